package client

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MetinSerinkaya27/NextGen-Chat/network"
	"github.com/MetinSerinkaya27/NextGen-Chat/relay"
)

// run pumps the pushes of each session and replaces the session when the transport drops.
func (m *Messenger) run(client *network.Client) {
	defer m.wg.Done()
	defer close(m.updates)

	for {
		if superseded := m.pump(client); superseded {
			m.log.Info("Session superseded by another connection")
			m.stop(ErrSuperseded)
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		m.log.Warn("Relay session lost", "error", client.Err())
		client = m.reconnect()
		if client == nil {
			return
		}
	}
}

// pump forwards the pushes of client until its session ends and reports whether the relay
// replaced this session with a newer one.
func (m *Messenger) pump(client *network.Client) bool {
	superseded := false
	for raw := range client.Pushes() {
		var event relay.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			m.log.Debug("Ignoring undecodable push", "error", err)
			continue
		}
		if event.Type == relay.EventSuperseded {
			superseded = true
		}

		select {
		case m.updates <- m.toUpdate(event):
		case <-m.ctx.Done():
			return false
		}
	}
	return superseded
}

func (m *Messenger) reconnect() *network.Client {
	attempt := 0
	for {
		delay := m.backoffForAttempt(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return nil
		}

		client, err := network.Dial(m.ctx, m.address, m.identity, m.options.Handshake)
		if err != nil {
			if permanentDialError(err) {
				m.log.Error("Reconnect refused", "error", err)
				m.stop(err)
				return nil
			}
			m.log.Debug("Reconnect attempt failed", "attempt", attempt, "error", err)
			attempt++
			continue
		}

		m.mu.Lock()
		if m.ctx.Err() != nil {
			m.mu.Unlock()
			_ = client.Close()
			return nil
		}
		m.client = client
		m.mu.Unlock()

		m.log.Info("Reconnected to relay", "attempts", attempt+1)
		return client
	}
}

// stop records why the messenger gave up and refuses further calls.
func (m *Messenger) stop(err error) {
	m.mu.Lock()
	m.err = err
	m.client = nil
	m.mu.Unlock()
	m.cancel()
}

func (m *Messenger) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

// permanentDialError reports failures that retrying with the same identity cannot fix.
func permanentDialError(err error) bool {
	if errors.Is(err, network.ErrRelayKeyMismatch) {
		return true
	}
	var remoteErr *network.RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Code == relay.CodeUnauthenticated
	}
	return false
}
