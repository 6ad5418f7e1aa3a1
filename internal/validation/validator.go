package validation

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// TradeTypes lists every trade the intake form offers.
var TradeTypes = []string{
	"builder", "electrician", "plumber", "gas-engineer", "roofer",
	"carpenter", "plasterer", "painter-decorator", "landscaper", "bricklayer",
	"tiler", "scaffolder", "groundworker", "glazier", "flooring",
	"kitchen-fitter", "bathroom-fitter", "hvac", "plant-hire", "other",
}

var Urgencies = []string{"urgent", "this-week", "this-month", "planning"}

var LeadStatuses = []string{
	"new", "contacted", "qualified", "proposal-sent", "negotiating", "won", "lost", "on-hold",
}

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()

	v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		_, err := time.Parse("2006-01-02", value)
		return err == nil
	})

	v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		return IsPhone(value)
	})

	v.RegisterValidation("trade", oneOf(TradeTypes))
	v.RegisterValidation("urgency", oneOf(Urgencies))
	v.RegisterValidation("leadstatus", oneOf(LeadStatuses))

	return &Validator{v: v}
}

func oneOf(values []string) validator.Func {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(fl validator.FieldLevel) bool {
		value, ok := fl.Field().Interface().(string)
		if !ok {
			return false
		}
		_, found := set[value]
		return found
	}
}

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

// IsPhone accepts UK national (07…, 01…) and E.164 numbers, ignoring spaces,
// dashes and brackets.
func IsPhone(value string) bool {
	return phoneRegex.MatchString(compactPhone(value))
}

// NormalizeUKPhone converts a UK number to E.164 (+44…). Numbers already in
// international form are returned compacted.
func NormalizeUKPhone(value string) string {
	p := compactPhone(value)
	switch {
	case p == "":
		return ""
	case strings.HasPrefix(p, "+"):
		return p
	case strings.HasPrefix(p, "0044"):
		return "+" + p[2:]
	case strings.HasPrefix(p, "44"):
		return "+" + p
	case strings.HasPrefix(p, "0"):
		return "+44" + p[1:]
	default:
		return p
	}
}

func compactPhone(value string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(strings.TrimSpace(value))
}

func (v *Validator) Struct(s interface{}) error {
	return v.v.Struct(s)
}

func (v *Validator) ValidationErrors(err error) validator.ValidationErrors {
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}
