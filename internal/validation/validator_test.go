package validation

import "testing"

type sample struct {
	Phone   string `validate:"required,phone"`
	Trade   string `validate:"required,trade"`
	Urgency string `validate:"required,urgency"`
	Status  string `validate:"omitempty,leadstatus"`
}

func TestCustomRules(t *testing.T) {
	v := New()
	ok := sample{Phone: "07700 900123", Trade: "plumber", Urgency: "this-week", Status: "proposal-sent"}
	if err := v.Struct(ok); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}

	bad := sample{Phone: "12", Trade: "astronaut", Urgency: "someday", Status: "archived"}
	errs := v.ValidationErrors(v.Struct(bad))
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d", len(errs))
	}
}

func TestTradeTypesCount(t *testing.T) {
	if len(TradeTypes) != 20 {
		t.Fatalf("expected 20 trade types, got %d", len(TradeTypes))
	}
}

func TestNormalizeUKPhone(t *testing.T) {
	cases := map[string]string{
		"07700 900123":     "+447700900123",
		"+44 7700 900123":  "+447700900123",
		"0044 7700 900123": "+447700900123",
		"447700900123":     "+447700900123",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizeUKPhone(in); got != want {
			t.Fatalf("NormalizeUKPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
