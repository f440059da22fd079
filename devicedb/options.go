package devicedb

import "github.com/lightningnetwork/lnd/clock"

// Options holds parameters for tuning and customizing the device database.
type Options struct {
	// clock is the time source used to stamp outbox items.
	clock clock.Clock
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		clock: clock.NewDefaultClock(),
	}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// OptionClock sets a non-default clock dependency.
func OptionClock(clock clock.Clock) OptionModifier {
	return func(o *Options) {
		o.clock = clock
	}
}
