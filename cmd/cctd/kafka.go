package main

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/cctprof/internal/snapshot"
)

var kafkaJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	KafkaWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// SnapshotKafkaMessage announces a stored snapshot.
	SnapshotKafkaMessage struct {
		SessionID   string `json:"session_id"`
		SnapshotID  string `json:"snapshot_id"`
		Environment string `json:"environment,omitempty"`
		BeginTime   int64  `json:"begin_time"`
		DurationNS  int64  `json:"duration_ns"`
		CallSites   int    `json:"call_sites"`
		Invocations int64  `json:"invocations"`
		Time0NS     int64  `json:"time0_ns"`
		Time1NS     int64  `json:"time1_ns"`
		HasStacks   bool   `json:"has_stacks"`
	}
)

func buildSnapshotKafkaMessage(env, sessionID, snapshotID string, s *snapshot.Snapshot) SnapshotKafkaMessage {
	m := SnapshotKafkaMessage{
		SessionID:   sessionID,
		SnapshotID:  snapshotID,
		Environment: env,
		BeginTime:   s.BeginTime.Unix(),
		DurationNS:  s.Duration.Nanoseconds(),
		CallSites:   len(s.Rows),
		HasStacks:   s.Stacks != nil,
	}
	for _, r := range s.Rows {
		m.Invocations += r.Invocations
		m.Time0NS += r.Time0
		m.Time1NS += r.Time1
	}
	return m
}

func (e *environment) announceSnapshot(ctx context.Context, sessionID, snapshotID string, s *snapshot.Snapshot) error {
	if e.snapshotsWriter == nil {
		return nil
	}
	b, err := kafkaJSON.Marshal(buildSnapshotKafkaMessage(e.config.Environment, sessionID, snapshotID, s))
	if err != nil {
		return err
	}
	return e.snapshotsWriter.WriteMessages(ctx, kafka.Message{
		Topic: e.config.SnapshotsKafkaTopic,
		Key:   []byte(sessionID),
		Value: b,
	})
}
