package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"zeroshare/pkg/bus"
)

const packageSuffix = ".zip"

// Event is an S3 (or MinIO) bucket notification.
type Event struct {
	Records []EventRecord `json:"Records"`
}

// EventRecord is one object notification within an Event.
type EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseEvent decodes a notification body.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode storage event: %w", err)
	}
	return ev, nil
}

// IsPackageKey reports whether key names a package archive under KeyPrefix.
func IsPackageKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && strings.HasSuffix(key, packageSuffix)
}

// Objects returns the package objects an event announces. Keys arrive URL-encoded;
// records outside the package prefix or without the archive suffix are dropped.
func (ev Event) Objects() (objects []ObjectRef, ignored []string) {
	for _, rec := range ev.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			ignored = append(ignored, rec.S3.Object.Key)
			continue
		}
		if !IsPackageKey(key) {
			ignored = append(ignored, key)
			continue
		}
		objects = append(objects, ObjectRef{Key: key, Size: rec.S3.Object.Size})
	}
	return objects, ignored
}

// HandleEvent announces every package object in ev as one batch.
func (n *Notifier) HandleEvent(ctx context.Context, ev Event, recipients []string) Result {
	return n.handleEvent(ctx, ev, recipients, "http")
}

func (n *Notifier) handleEvent(ctx context.Context, ev Event, recipients []string, source string) Result {
	objects, ignored := ev.Objects()
	for _, key := range ignored {
		n.cfg.Logger.Debug().Str("key", key).Msg("ignoring non-package object")
	}
	if n.cfg.Metrics != nil {
		n.cfg.Metrics.Events.WithLabelValues(source, "accepted").Add(float64(len(objects)))
		n.cfg.Metrics.Events.WithLabelValues(source, "ignored").Add(float64(len(ignored)))
	}
	return n.NotifyObjects(ctx, objects, recipients)
}

// BusHandler consumes storage events from the message bus. Malformed payloads are logged and
// acknowledged since redelivery cannot fix them.
func (n *Notifier) BusHandler(recipients []string) bus.Handler {
	return func(ctx context.Context, data []byte) error {
		ev, err := ParseEvent(data)
		if err != nil {
			n.cfg.Logger.Error().Err(err).Msg("drop malformed storage event")
			if n.cfg.Metrics != nil {
				n.cfg.Metrics.Events.WithLabelValues("nats", "malformed").Inc()
			}
			return nil
		}
		n.handleEvent(ctx, ev, recipients, "nats")
		return nil
	}
}
