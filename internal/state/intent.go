package state

import "fmt"

// Intent tells observers whether a change was asked for by the user.
type Intent uint8

const (
	IntentNull Intent = iota
	IntentUnintentional
	IntentIntentional
)

var intentNames = [...]string{"NULL", "UNINTENTIONAL", "INTENTIONAL"}

func (i Intent) String() string {
	if int(i) < len(intentNames) {
		return intentNames[i]
	}
	return fmt.Sprintf("Intent(%d)", i)
}

// IntentFor maps the explicit flag of a request onto a change intent.
func IntentFor(explicit bool) Intent {
	if explicit {
		return IntentIntentional
	}
	return IntentUnintentional
}

// ParseIntent is the inverse of Intent.String.
func ParseIntent(s string) (Intent, error) {
	for i, n := range intentNames {
		if n == s {
			return Intent(i), nil
		}
	}
	return IntentNull, fmt.Errorf("unknown intent %q", s)
}
