package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidMSISDN(t *testing.T) {
	tests := []struct {
		phone string
		valid bool
	}{
		{"254712345678", true},
		{"254112345678", true},

		{"0712345678", false},
		{"+254712345678", false},
		{"25471234567", false},
		{"2547123456789", false},
		{"255712345678", false},
		{"25471234567a", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsValidMSISDN(tc.phone); got != tc.valid {
			t.Errorf("IsValidMSISDN(%q) = %v, want %v", tc.phone, got, tc.valid)
		}
	}
}

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"254712345678", "254712345678"},
		{"+254712345678", "254712345678"},
		{"0712345678", "254712345678"},
		{"0112 345 678", "254112345678"},
		{" 0712-345-678 ", "254712345678"},
		{"12345", "12345"},
	}

	for _, tc := range tests {
		if got := NormalizeMSISDN(tc.input); got != tc.expected {
			t.Errorf("NormalizeMSISDN(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
		{"Kikoy ñandú", 7, "Kikoy ñ"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("productName", "Samsung TV"),
		ValidMSISDN("sellerPhone", "254712345678"),
		Positive("productPrice", 450000),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("productName", "  "),
		ValidMSISDN("sellerPhone", "0712345678"),
		Positive("productPrice", 0),
	)
	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d", len(errs))
	}
	if errs.Error() != "productName: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestLength(t *testing.T) {
	if err := Length("name", "TV", 3, 200)(); err == nil {
		t.Error("expected too short")
	}
	if err := Length("name", "  Sofa  ", 3, 200)(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := Length("reason", "too short", 10, 0)(); err == nil {
		t.Error("expected too short for 9 characters")
	}
	if err := Length("reason", "never arrived", 10, 0)(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestValidCoordinates(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	tests := []struct {
		name     string
		lat, lon *float64
		valid    bool
	}{
		{"absent", nil, nil, true},
		{"nairobi", f(-1.2921), f(36.8219), true},
		{"lat only", f(-1.2921), nil, false},
		{"lat out of range", f(91), f(0), false},
		{"lon out of range", f(0), f(-181), false},
	}
	for _, tc := range tests {
		err := ValidCoordinates("location", tc.lat, tc.lon)()
		if (err == nil) != tc.valid {
			t.Errorf("%s: valid=%v, want %v", tc.name, err == nil, tc.valid)
		}
	}
}

func TestOrderIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/orders/:id", OrderIDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	for path, want := range map[string]int{
		"/orders/SP0123456789AB": http.StatusOK,
		"/orders/nope":           http.StatusNotFound,
		"/orders/sp0123456789ab": http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != want {
			t.Errorf("GET %s = %d, want %d", path, w.Code, want)
		}
	}
}
