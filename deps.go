package tally

import (
	"log/slog"
	"time"

	"github.com/xraph/tally/plugin"
)

// Deps are the collaborators every component shares.
type Deps struct {
	Logger  *slog.Logger
	Clock   func() time.Time
	Plugins *plugin.Registry
}

func (d Deps) normalize() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Plugins == nil {
		d.Plugins = plugin.NewRegistry().WithLogger(d.Logger)
	}
	return d
}

func (d Deps) now() time.Time { return d.Clock().UTC() }
