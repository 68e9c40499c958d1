// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package imagebuilderlib

import (
	"context"
	"fmt"
	"strings"

	"github.com/gjolly/genesis/toolkit/tools/imagebuilderapi"
	"github.com/gjolly/genesis/toolkit/tools/internal/snapseed"
	"go.opentelemetry.io/otel/attribute"
)

// PreseedSnaps seeds the requested snaps, their bases and snapd into the root filesystem at rootDir.
func PreseedSnaps(ctx context.Context, store snapseed.Store, rootDir string, snaps map[string]imagebuilderapi.Snap,
) (err error) {
	_, span := startSpan(ctx, "preseed_snaps")
	span.SetAttributes(
		attribute.Int("snaps_count", len(snaps)),
	)
	defer func() {
		finishSpanWithError(span, err)
	}()

	requests := []snapseed.Request(nil)
	for name, snap := range snaps {
		requests = append(requests, snapseed.Request{
			Name:    name,
			Channel: snap.Channel,
			Classic: snap.Classic,
		})
	}

	seed, err := snapseed.Preseed(store, requests, rootDir)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrPreseedSnaps, err)
	}

	if seed != nil {
		span.SetAttributes(
			attribute.StringSlice("seeded", seed.Names()),
		)
	}

	return nil
}

// ParseSnapRequests parses "name[=channel][:classic]" items, e.g. "lxd=5.21/stable" or "code:classic".
func ParseSnapRequests(items []string) (map[string]imagebuilderapi.Snap, error) {
	snaps := map[string]imagebuilderapi.Snap{}
	for _, item := range items {
		name, classic := item, false
		if base, found := strings.CutSuffix(item, ":classic"); found {
			name, classic = base, true
		}

		name, channel, _ := strings.Cut(name, "=")

		err := imagebuilderapi.SnapNameIsValid(name)
		if err != nil {
			return nil, err
		}

		snaps[name] = imagebuilderapi.Snap{
			Channel: channel,
			Classic: classic,
		}
	}
	return snaps, nil
}
