package gps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// MultiSource fans several position sources into one stream. Members that
// fail to subscribe are skipped; the subscription fails only when every
// member fails. Unavailability is reported only once every member is
// unavailable, since one working provider is enough to keep tracking.
type MultiSource struct {
	sources []PositionSource
	logger  *logx.Logger
}

// NewMultiSource creates a fan-in over sources
func NewMultiSource(logger *logx.Logger, sources ...PositionSource) *MultiSource {
	return &MultiSource{sources: sources, logger: logger}
}

// Name implements PositionSource
func (ms *MultiSource) Name() string {
	names := make([]string, 0, len(ms.sources))
	for _, s := range ms.sources {
		names = append(names, s.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

type memberUpdate struct {
	index  int
	update PositionUpdate
	closed bool
}

// SubscribePosition implements PositionSource
func (ms *MultiSource) SubscribePosition(ctx context.Context, mode pkg.TrackingMode) (PositionStream, error) {
	if len(ms.sources) == 0 {
		return nil, fmt.Errorf("no position sources configured: %w", pkg.ErrProviderUnavailable)
	}

	var members []PositionStream
	var names []string
	var errs []error
	for _, src := range ms.sources {
		st, err := src.SubscribePosition(ctx, mode)
		if err != nil {
			ms.logger.Warn("position_source_unavailable", "source", src.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		members = append(members, st)
		names = append(names, src.Name())
	}
	if len(members) == 0 {
		joined := errors.Join(errs...)
		if errors.Is(joined, pkg.ErrPermissionDenied) {
			return nil, fmt.Errorf("all position sources failed: %w", joined)
		}
		return nil, fmt.Errorf("all position sources failed: %v: %w", joined, pkg.ErrProviderUnavailable)
	}

	closeAll := func() error {
		var errs []error
		for _, m := range members {
			if err := m.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	out, ctx := newStream(ctx, 16, closeAll)
	merged := make(chan memberUpdate)

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m PositionStream) {
			defer wg.Done()
			for u := range m.Updates() {
				select {
				case merged <- memberUpdate{index: i, update: u}:
				case <-ctx.Done():
					return
				}
			}
			select {
			case merged <- memberUpdate{index: i, closed: true}:
			case <-ctx.Done():
			}
		}(i, m)
	}

	go func() {
		defer out.finish()
		defer wg.Wait()
		ms.merge(ctx, out, merged, names)
	}()
	return out, nil
}

func (ms *MultiSource) merge(ctx context.Context, out *stream, merged <-chan memberUpdate, names []string) {
	unavailable := make([]bool, len(names))
	closed := 0
	allDown := func() bool {
		for _, u := range unavailable {
			if !u {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case mu := <-merged:
			switch {
			case mu.closed:
				closed++
				unavailable[mu.index] = true
				ms.logger.Info("position_source_ended", "source", names[mu.index])
				if closed == len(names) {
					return
				}
				if allDown() {
					out.send(ctx, PositionUpdate{Err: fmt.Errorf("all position sources ended: %w", pkg.ErrProviderUnavailable)})
				}
			case mu.update.Err != nil:
				if errors.Is(mu.update.Err, pkg.ErrPermissionDenied) {
					if !out.send(ctx, mu.update) {
						return
					}
					continue
				}
				wasDown := unavailable[mu.index]
				unavailable[mu.index] = true
				ms.logger.Warn("position_source_error", "source", names[mu.index], "error", mu.update.Err)
				if !wasDown && allDown() {
					if !out.send(ctx, mu.update) {
						return
					}
				}
			case mu.update.Sample != nil:
				unavailable[mu.index] = false
				if !out.send(ctx, mu.update) {
					return
				}
			}
		}
	}
}
