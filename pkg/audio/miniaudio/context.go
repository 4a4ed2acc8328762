// Package miniaudio implements [audio.CaptureDevice] and [audio.OutputDevice]
// on top of the miniaudio bindings in github.com/gen2brain/malgo.
//
// A single [Context] owns the backend; devices created from it must be
// closed before the context.
package miniaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/lifevoice/pkg/audio"
)

// Context owns an initialised miniaudio backend.
type Context struct {
	ctx       *malgo.AllocatedContext
	closeOnce sync.Once
}

// NewContext initialises the default miniaudio backend for this platform.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", classify(err))
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend. Safe to call more than once.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ctx.Uninit()
		c.ctx.Free()
	})
	return err
}

// classify maps backend failures onto the audio package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"):
		return errors.Join(audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return errors.Join(audio.ErrDeviceBusy, err)
	default:
		return errors.Join(audio.ErrDeviceUnavailable, err)
	}
}
