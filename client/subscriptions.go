package client

import (
	"context"
	"time"

	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/wire"
)

// Subscribe appends event names to channel's pending subscription set and
// arms a 100ms debounced flush (spec.md §4.8). The returned map mirrors
// the server's per-event acceptance result once the flush round-trips;
// concurrent Subscribe/Unsubscribe calls on the same channel coalesce
// into a single rpc:on/rpc:off pair.
func (c *Client) Subscribe(ctx context.Context, channel string, events []string) (map[string]bool, error) {
	c.subMu.Lock()
	set, ok := c.pendingSub[channel]
	if !ok {
		set = map[string]bool{}
		c.pendingSub[channel] = set
	}
	for _, e := range events {
		set[e] = true
	}
	c.armFlush()
	c.subMu.Unlock()

	return c.flushChannel(ctx, channel, wire.MethodOn)
}

// Unsubscribe mirrors Subscribe for rpc:off.
func (c *Client) Unsubscribe(ctx context.Context, channel string, events []string) (map[string]bool, error) {
	c.subMu.Lock()
	set, ok := c.pendingUnsub[channel]
	if !ok {
		set = map[string]bool{}
		c.pendingUnsub[channel] = set
	}
	for _, e := range events {
		set[e] = true
	}
	c.armFlush()
	c.subMu.Unlock()

	return c.flushChannel(ctx, channel, wire.MethodOff)
}

// armFlush schedules flushPending subscribeDebounce from now, replacing
// any timer already armed (subMu held by caller).
func (c *Client) armFlush() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(subscribeDebounce, c.flushPending)
}

// flushPending issues one rpc:on/rpc:off per channel for whatever
// accumulated since the last flush and records the result in
// c.subscriptions so resubscribeAllChannels can replay it after a
// reconnect.
func (c *Client) flushPending() {
	c.subMu.Lock()
	subs := c.pendingSub
	unsubs := c.pendingUnsub
	c.pendingSub = make(map[string]map[string]bool)
	c.pendingUnsub = make(map[string]map[string]bool)
	c.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), subscribeFlushLimit)
	defer cancel()

	for channel, set := range subs {
		result, err := c.Call(ctx, wire.MethodOn, map[string]interface{}{"channel": channel, "events": setToSlice(set)}, CallOptions{Timeout: subscribeFlushLimit})
		if err != nil {
			logging.Client().Warn().Err(err).Str("channel", channel).Msg("rpc:on flush failed")
			continue
		}
		c.recordSubscriptionResult(channel, result)
	}
	for channel, set := range unsubs {
		result, err := c.Call(ctx, wire.MethodOff, map[string]interface{}{"channel": channel, "events": setToSlice(set)}, CallOptions{Timeout: subscribeFlushLimit})
		if err != nil {
			logging.Client().Warn().Err(err).Str("channel", channel).Msg("rpc:off flush failed")
			continue
		}
		c.removeSubscriptionResult(channel, result)
	}
}

// flushChannel runs the debounce round-trip for one channel and returns
// its per-event boolean map, matching the "call resolves with the
// server's per-event boolean map" contract. Called right after arming the
// shared debounce timer, so most calls within the 100ms window piggyback
// on the same underlying rpc:on/rpc:off the timer eventually fires.
func (c *Client) flushChannel(ctx context.Context, channel, method string) (map[string]bool, error) {
	deadline := time.Now().Add(subscribeFlushLimit)
	for time.Now().Before(deadline) {
		c.subMu.Lock()
		_, stillPending := c.pendingSub[channel]
		if method == wire.MethodOff {
			_, stillPending = c.pendingUnsub[channel]
		}
		c.subMu.Unlock()
		if !stillPending {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if result, ok := c.subscriptions[channel]; ok {
		return result, nil
	}
	return map[string]bool{}, nil
}

func (c *Client) recordSubscriptionResult(channel string, result interface{}) {
	boolMap := toBoolMap(result)
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.subscriptions[channel]
	if !ok {
		existing = map[string]bool{}
		c.subscriptions[channel] = existing
	}
	for k, v := range boolMap {
		existing[k] = v
	}
}

func (c *Client) removeSubscriptionResult(channel string, result interface{}) {
	boolMap := toBoolMap(result)
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.subscriptions[channel]
	if !ok {
		return
	}
	for k := range boolMap {
		delete(existing, k)
	}
	if len(existing) == 0 {
		delete(c.subscriptions, channel)
	}
}

// resubscribeAllChannels re-issues rpc:on for every (channel, eventSet)
// the client believes it holds, run once per successful reconnect (spec.md
// §4.8).
func (c *Client) resubscribeAllChannels() {
	c.mu.Lock()
	snapshot := make(map[string][]string, len(c.subscriptions))
	for channel, events := range c.subscriptions {
		snapshot[channel] = setToSlice(events)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), subscribeFlushLimit)
	defer cancel()
	for channel, events := range snapshot {
		if _, err := c.Call(ctx, wire.MethodOn, map[string]interface{}{"channel": channel, "events": events}, CallOptions{IgnoreInit: true, Timeout: subscribeFlushLimit}); err != nil {
			logging.Client().Warn().Err(err).Str("channel", channel).Msg("resubscribe failed")
		}
	}
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func toBoolMap(v interface{}) map[string]bool {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		b, _ := v.(bool)
		out[k] = b
	}
	return out
}
