// Package nats delivers assignments to remote agents over NATS JetStream and
// collects their execution reports.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"taskmesh/internal/domain"
)

const (
	StreamName     = "TASKMESH"
	subjectPrefix  = "taskmesh"
	reportSubject  = subjectPrefix + ".report"
	reportConsumer = "taskmesh-reports"
)

func AssignSubject(agentID string) string {
	return subjectPrefix + ".assign." + subjectToken(agentID)
}

func CancelSubject(agentID string) string {
	return subjectPrefix + ".cancel." + subjectToken(agentID)
}

func ReportSubject() string { return reportSubject }

// AgentFilter matches both assignment and cancel envelopes of one agent.
func AgentFilter(agentID string) string {
	return subjectPrefix + ".*." + subjectToken(agentID)
}

// subjectToken maps an agent id onto a single NATS subject token.
func subjectToken(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}

type Executor struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials NATS and makes sure the TASKMESH stream exists.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("taskmesh"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{subjectPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats connected", "url", url, "stream", StreamName)
	return &Executor{nc: nc, js: js, logger: logger}, nil
}

func (e *Executor) Close() error {
	e.nc.Close()
	return nil
}

func (e *Executor) Deliver(ctx context.Context, a domain.Assignment) error {
	assignment := a
	return e.publish(ctx, AssignSubject(a.AgentID), domain.Envelope{
		Kind:       domain.EnvelopeAssign,
		AgentID:    a.AgentID,
		TaskID:     a.TaskID,
		Assignment: &assignment,
	})
}

func (e *Executor) Cancel(ctx context.Context, agentID, taskID, reason string) error {
	return e.publish(ctx, CancelSubject(agentID), domain.Envelope{
		Kind:    domain.EnvelopeCancel,
		AgentID: agentID,
		TaskID:  taskID,
		Reason:  reason,
	})
}

// PublishReport is used by remote agents to answer an assignment.
func (e *Executor) PublishReport(ctx context.Context, r domain.ExecutionReport) error {
	return e.publish(ctx, reportSubject, r)
}

func (e *Executor) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if _, err := e.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// ConsumeReports feeds execution reports to handle until the returned stop
// function is called. A handler error naks the message for redelivery.
func (e *Executor) ConsumeReports(ctx context.Context, handle func(context.Context, domain.ExecutionReport) error) (func(), error) {
	return e.consume(ctx, reportConsumer, reportSubject, func(data []byte) error {
		var r domain.ExecutionReport
		if err := json.Unmarshal(data, &r); err != nil {
			// Malformed reports can never succeed; ack them away.
			e.logger.Warn("drop malformed report", "error", err)
			return nil
		}
		return handle(ctx, r)
	})
}

// ConsumeEnvelopes feeds one agent's assignment and cancel envelopes to handle.
func (e *Executor) ConsumeEnvelopes(ctx context.Context, agentID string, handle func(context.Context, domain.Envelope) error) (func(), error) {
	durable := "taskmesh-agent-" + subjectToken(agentID)
	return e.consume(ctx, durable, AgentFilter(agentID), func(data []byte) error {
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			e.logger.Warn("drop malformed envelope", "agent_id", agentID, "error", err)
			return nil
		}
		return handle(ctx, env)
	})
}

func (e *Executor) consume(ctx context.Context, durable, subject string, handle func([]byte) error) (func(), error) {
	consumer, err := e.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handle(msg.Data()); err != nil {
			e.logger.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				e.logger.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			e.logger.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}
