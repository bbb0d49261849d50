package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ukydev/fleet-simulator/internal/models"
	"github.com/ukydev/fleet-simulator/internal/simerr"
)

// Payload encodings understood by MQTTSink.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes probes to "{Prefix}/{vehicleID}". The broker does not
// answer with events, so results are always empty.
type MQTTSink struct {
	Publisher Publisher
	Prefix    string
	Encoding  string
	QoS       byte
	Timeout   time.Duration
}

// NewMQTTSink creates a sink publishing with QoS 1.
func NewMQTTSink(pub Publisher, prefix, encoding string) *MQTTSink {
	if encoding == "" {
		encoding = EncodingJSON
	}
	return &MQTTSink{
		Publisher: pub,
		Prefix:    strings.TrimRight(prefix, "/"),
		Encoding:  encoding,
		QoS:       1,
		Timeout:   5 * time.Second,
	}
}

// Encode serializes a probe with the configured encoding.
func (s *MQTTSink) Encode(p models.Probe) ([]byte, error) {
	switch s.Encoding {
	case EncodingMsgpack:
		return msgpack.Marshal(p)
	case EncodingJSON:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("unknown encoding %q", s.Encoding)
	}
}

// SubmitProbe publishes the probe and waits for the broker to acknowledge it.
func (s *MQTTSink) SubmitProbe(ctx context.Context, p models.Probe) (models.IngestResult, error) {
	payload, err := s.Encode(p)
	if err != nil {
		return models.IngestResult{}, err
	}
	token := s.Publisher.Publish(s.Prefix+"/"+p.VehicleID, s.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return models.IngestResult{}, fmt.Errorf("%w: %v", simerr.ErrIngestFailure, ctx.Err())
	case <-time.After(s.Timeout):
		return models.IngestResult{}, fmt.Errorf("%w: publish timed out", simerr.ErrIngestFailure)
	}
	if err := token.Error(); err != nil {
		return models.IngestResult{}, fmt.Errorf("%w: %v", simerr.ErrIngestFailure, err)
	}
	return models.IngestResult{}, nil
}

// ConnectMQTT connects a client to broker.
func ConnectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("MQTT connection lost")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	log.WithFields(log.Fields{
		"broker":    broker,
		"client_id": clientID,
	}).Info("Connected to MQTT broker")
	return client, nil
}
