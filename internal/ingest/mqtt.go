package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"homesense/internal/config"
)

// StartMQTT runs the broker connection in a background goroutine:
// connect, subscribe to every configured filter, pump messages into the
// queue until the session drops, then reconnect with exponential
// backoff. The backoff doubles from reconnect_min up to reconnect_max
// and resets after a successful connect.
func StartMQTT(ctx context.Context, cfg *config.Manager, queue *Queue, logger *slog.Logger) {
	mq := cfg.Get().Ingest.MQTT
	if !mq.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", fmt.Sprintf("%s:%d", mq.BrokerHost, mq.BrokerPort), "topics", mq.Topics)
	}
	go func() {
		delay := mq.ReconnectMin
		for ctx.Err() == nil {
			connected, err := runMQTTSession(ctx, mq, queue, logger)
			if ctx.Err() != nil {
				return
			}
			if connected {
				delay = mq.ReconnectMin
			}
			if logger != nil {
				logger.Warn("mqtt session ended", "err", err, "retry_in", delay)
			}
			if !BackoffSleep(ctx, delay) {
				return
			}
			delay *= 2
			if delay > mq.ReconnectMax {
				delay = mq.ReconnectMax
			}
		}
	}()
}

// runMQTTSession drives one broker session to completion. The returned
// bool reports whether the CONNECT handshake succeeded, which is what
// resets the reconnect backoff.
func runMQTTSession(ctx context.Context, mq config.MQTTConfig, queue *Queue, logger *slog.Logger) (bool, error) {
	addr := net.JoinHostPort(mq.BrokerHost, fmt.Sprintf("%d", mq.BrokerPort))
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Closed exactly once on the first session-fatal error; the session
	// loop below blocks on it.
	done := make(chan error, 2)

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
		OnClientError: func(err error) {
			select {
			case done <- err:
			default:
			}
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			select {
			case done <- fmt.Errorf("server disconnect, reason code %d", d.ReasonCode):
			default:
			}
		},
	})
	client.AddOnPublishReceived(func(pr paho.PublishReceived) (bool, error) {
		value := DecodeValue(pr.Packet.Payload)
		if value == nil {
			if logger != nil {
				logger.Warn("undecodable mqtt payload", "topic", pr.Packet.Topic)
			}
			return true, nil
		}
		queue.Push(Message{
			Topic:      pr.Packet.Topic,
			Value:      value,
			ReceivedAt: time.Now().UTC(),
			Source:     "mqtt",
		})
		return true, nil
	})

	connect := &paho.Connect{
		ClientID:   mq.ClientID,
		CleanStart: true,
		KeepAlive:  uint16(mq.KeepAlive / time.Second),
	}
	if mq.Username != "" {
		connect.UsernameFlag = true
		connect.Username = mq.Username
	}
	if mq.Password != "" {
		connect.PasswordFlag = true
		connect.Password = []byte(mq.Password)
	}
	ca, err := client.Connect(ctx, connect)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("connect: %w", err)
	}
	if ca != nil && ca.ReasonCode != 0 {
		conn.Close()
		return false, fmt.Errorf("connect refused, reason code %d", ca.ReasonCode)
	}
	if logger != nil {
		logger.Info("mqtt connected", "broker", addr, "client_id", mq.ClientID)
	}

	subs := make([]paho.SubscribeOptions, 0, len(mq.Topics))
	for _, topic := range mq.Topics {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: mq.QoS})
	}
	if _, err := client.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return true, fmt.Errorf("subscribe: %w", err)
	}

	select {
	case err := <-done:
		return true, err
	case <-ctx.Done():
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return true, ctx.Err()
	}
}
