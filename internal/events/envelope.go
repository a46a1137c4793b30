// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package events implements the typed publish/subscribe registry that moves
// change events between the administrative subsystem, the transport fabric,
// and the edge cache, plus the ingestion fan-out that feeds cache listeners.
package events

import (
	"bytes"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Event types and subjects routed by the registries. A single type's subject
// space can carry multiple message shapes; dispatch requires an exact
// (type, subject) match.
const (
	TypeEnvironment    = "publish-environment-v1"
	TypeServiceAccount = "publish-serviceaccount-v1"
	TypeFeatureValues  = "publish-featurevalues-v1"

	SubjectEnvironment    = "pennant/environment"
	SubjectServiceAccount = "pennant/service-account"
	SubjectFeature        = "pennant/feature"
)

// EncodingGzip marks a gzip-compressed envelope payload.
const EncodingGzip = "gzip"

// Envelope is the transport-agnostic event message: the registries only need
// publish/subscribe semantics from whatever fabric carries these.
type Envelope struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Subject         string    `json:"subject"`
	Time            time.Time `json:"time"`
	ContentEncoding string    `json:"contentEncoding,omitempty"`
	Data            []byte    `json:"data"`
}

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(eventType, subject string, data []byte, encoding string) Envelope {
	return Envelope{
		ID:              ulid.Make().String(),
		Type:            eventType,
		Subject:         subject,
		Time:            time.Now().UTC(),
		ContentEncoding: encoding,
		Data:            data,
	}
}

// Payload returns the envelope data, decompressed if necessary.
func (e Envelope) Payload() ([]byte, error) {
	if e.ContentEncoding != EncodingGzip {
		return e.Data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(e.Data))
	if err != nil {
		return nil, oops.With("event_id", e.ID).Wrapf(err, "open gzip payload")
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, oops.With("event_id", e.ID).Wrapf(err, "decompress payload")
	}
	return data, nil
}

// compress gzips a serialized payload once so it can be shared by every
// compressing channel.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, oops.Wrapf(err, "compress payload")
	}
	if err := w.Close(); err != nil {
		return nil, oops.Wrapf(err, "finish compressed payload")
	}
	return buf.Bytes(), nil
}
