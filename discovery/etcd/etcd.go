// Package etcd implements Etcd-backed Endpoint discovery: Endpoints are
// JSON-encoded property bags stored under a key prefix, one key per
// endpoint ID, and a watch loop translates Etcd put/delete events into
// add/remove callbacks. The decode-and-validate shape is adapted from the
// teacher's consumer/key_space.go decoder (DecodeItem/DecodeMember), though
// there the payload is a protobuf ShardSpec/ConsumerSpec; here it is a
// plain JSON Endpoint.Properties() map since the PSA has no protobuf
// schema of its own. The watch-and-resolve loop structure follows
// consumer/resolver.go's watch/updateResolutions split: a long-lived Watch
// goroutine feeds discrete add/remove events to the caller rather than
// re-deriving an entire membership snapshot each time.
package etcd

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"go.psa.dev/core/endpoint"
)

// Discovery watches an Etcd key prefix for Endpoint registrations.
type Discovery struct {
	client *clientv3.Client
	prefix string

	onPut    func(endpoint.Endpoint)
	onDelete func(id string)
}

// New constructs a Discovery over client, watching keys under prefix.
func New(client *clientv3.Client, prefix string, onPut func(endpoint.Endpoint), onDelete func(id string)) *Discovery {
	return &Discovery{client: client, prefix: prefix, onPut: onPut, onDelete: onDelete}
}

// Bootstrap lists the current key range under prefix and invokes onPut for
// every already-registered endpoint, before Watch begins tailing changes.
// This mirrors the teacher's KeySpace.Load-then-Watch sequencing.
func (d *Discovery) Bootstrap(ctx context.Context) error {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.WithMessage(err, "etcd: listing discovery prefix")
	}
	for _, kv := range resp.Kvs {
		ep, err := decodeEndpoint(kv.Value)
		if err != nil {
			log.WithError(err).WithField("key", string(kv.Key)).Warn("discovery/etcd: dropping malformed endpoint")
			continue
		}
		d.onPut(ep)
	}
	return nil
}

// Watch tails put/delete events under prefix until ctx is cancelled,
// dispatching onPut/onDelete for each. Errors other than context
// cancellation are returned to the caller, matching
// consumer.Resolver.watch's "return nil on context.Canceled" convention.
func (d *Discovery) Watch(ctx context.Context) error {
	var watchCh = d.client.Watch(ctx, d.prefix, clientv3.WithPrefix())
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			if errors.Cause(err) == context.Canceled {
				return nil
			}
			return errors.WithMessage(err, "etcd: watch")
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				ep, err := decodeEndpoint(ev.Kv.Value)
				if err != nil {
					log.WithError(err).WithField("key", string(ev.Kv.Key)).Warn("discovery/etcd: dropping malformed endpoint")
					continue
				}
				d.onPut(ep)
			case clientv3.EventTypeDelete:
				d.onDelete(endpointIDFromKey(string(ev.Kv.Key), d.prefix))
			}
		}
	}
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Register publishes ep's properties under prefix+ep.ID(), renewing it on
// every call (last-write-wins; no lease is taken out, so a crashed process
// leaves a stale entry until an operator or TTL-based cleanup removes it --
// out of scope per spec §1's framework-registry assumption).
func (d *Discovery) Register(ctx context.Context, ep endpoint.Endpoint) error {
	data, err := json.Marshal(ep.Properties())
	if err != nil {
		return errors.WithMessage(err, "marshal endpoint")
	}
	_, err = d.client.Put(ctx, d.prefix+ep.ID(), string(data))
	return errors.WithMessage(err, "etcd: put endpoint")
}

// Unregister removes ep's key from Etcd.
func (d *Discovery) Unregister(ctx context.Context, id string) error {
	_, err := d.client.Delete(ctx, d.prefix+id)
	return errors.WithMessage(err, "etcd: delete endpoint")
}

func decodeEndpoint(data []byte) (endpoint.Endpoint, error) {
	var props map[string]string
	if err := json.Unmarshal(data, &props); err != nil {
		return endpoint.Endpoint{}, errors.WithMessage(err, "unmarshal endpoint properties")
	}
	return endpoint.FromProperties(props)
}

func endpointIDFromKey(key, prefix string) string {
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}
