package storecredit

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// Options configures a Ledger.
type Options struct {
	// CreditToNewAllocation makes Credit issue a fresh ledger instead of
	// reducing amount_used on the original.
	CreditToNewAllocation bool

	// NonExpiringCategories lists category names whose credit never expires.
	NonExpiringCategories []string

	Logger   *slog.Logger
	Recorder Recorder

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		NonExpiringCategories: []string{"Non-expiring"},
	}
}

func (o Options) IsNonExpiring(c Category) bool {
	for _, name := range o.NonExpiringCategories {
		if strings.EqualFold(strings.TrimSpace(name), c.Name) {
			return true
		}
	}
	return false
}

// Recorder observes ledger operations. metrics.Collector implements it.
type Recorder interface {
	// ObserveOperation is called once per operation attempt; err is nil on
	// success.
	ObserveOperation(action Action, err error)
	ObserveAmount(action Action, currency string, amount float64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(Action, error)        {}
func (nopRecorder) ObserveAmount(Action, string, float64) {}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}
