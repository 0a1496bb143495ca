package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/labbridge/internal/domain/commlog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/auth"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// Transports bridge the listeners in internal/platform onto Ingest. They
// run outside the HTTP stack, so every call pins a connection to tenant.
type Transports struct {
	svc    *Service
	tenant string
}

func (s *Service) Transports(tenant string) *Transports {
	return &Transports{svc: s, tenant: tenant}
}

// HandleMLLP identifies the analyzer by MSH-3 (sending application), falling
// back to MSH-4, and answers AA, AE (some results failed) or AR.
func (t *Transports) HandleMLLP(ctx context.Context, raw []byte, remote string) []byte {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		t.svc.logger.Warn().Err(err).Str("remote", remote).Msg("unparseable MLLP frame")
		return hl7v2.RejectUnparseable(raw, err.Error())
	}
	code := analyzerCode(msg)
	if code == "" {
		return hl7v2.BuildACK(msg, hl7v2.AckReject, "MSH-3 does not identify an analyzer")
	}

	var rc *Receipt
	err = t.svc.tx.AsTenant(ctx, t.tenant, func(ctx context.Context) error {
		var err error
		rc, err = t.svc.IngestCode(ctx, auth.SystemCapabilities(), code, Message{
			Transport: commlog.TransportMLLP,
			Source:    remote,
			Payload:   raw,
		})
		return err
	})
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return hl7v2.BuildACK(msg, hl7v2.AckReject, fmt.Sprintf("unknown analyzer %q", code))
	case err != nil:
		t.svc.logger.Error().Err(err).Str("device", code).Msg("MLLP ingestion failed")
		return hl7v2.BuildACK(msg, hl7v2.AckError, "message could not be recorded")
	}
	switch rc.Status {
	case commlog.StatusAccepted:
		return hl7v2.BuildACK(msg, hl7v2.AckAccept, "")
	case commlog.StatusPartial:
		return hl7v2.BuildACK(msg, hl7v2.AckError, deref(rc.Entry.ErrorMessage))
	}
	return hl7v2.BuildACK(msg, hl7v2.AckReject, rc.Reason)
}

// ObserveACK logs every ACK written back to an analyzer as an outbound
// entry. ACKs for analyzers that are not registered are not logged.
func (t *Transports) ObserveACK(ctx context.Context, remote string, ack []byte, writeErr error) {
	msg, err := hl7v2.Parse(ack)
	if err != nil {
		return
	}
	// Sender and receiver are swapped on the ACK.
	code := strings.TrimSpace(firstComponent(msg.ReceivingApp))
	if code == "" {
		code = strings.TrimSpace(firstComponent(msg.ReceivingFac))
	}
	if code == "" {
		return
	}
	err = t.svc.tx.AsTenant(ctx, t.tenant, func(ctx context.Context) error {
		d, err := t.svc.devices.LookupCode(ctx, code)
		if err != nil {
			return err
		}
		entry := &commlog.Entry{
			DeviceID:  d.ID,
			Direction: commlog.Outbound,
			Transport: commlog.TransportMLLP,
			Status:    commlog.StatusSent,
		}
		if remote != "" {
			entry.SourceEndpoint = &remote
		}
		if seg := msg.GetSegment("MSA"); seg != nil && seg.GetField(2) != "" {
			id := seg.GetField(2)
			entry.MessageControlID = &id
		}
		if writeErr != nil {
			reason := "write failed: " + writeErr.Error()
			entry.ErrorMessage = &reason
		}
		entry.SetPayload(ack)
		return t.svc.log.Append(ctx, entry)
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		t.svc.logger.Warn().Err(err).Str("device", code).Msg("could not log outbound ACK")
	}
}

// HandleMQTT ingests one PUBLISH payload. Rejections are logged, not
// returned, so the subscriber does not retry them.
func (t *Transports) HandleMQTT(ctx context.Context, code string, payload []byte, topic string) error {
	_, err := t.ingestCode(ctx, code, commlog.TransportMQTT, topic, payload)
	return err
}

// HandleFile ingests a dropped file. Rejected files are reported as errors
// so the watcher moves them to the failed folder.
func (t *Transports) HandleFile(ctx context.Context, code string, data []byte, path string) error {
	rc, err := t.ingestCode(ctx, code, commlog.TransportFile, path, data)
	if err != nil {
		return err
	}
	if rc.Rejected() {
		return fmt.Errorf("rejected: %s", rc.Reason)
	}
	return nil
}

func (t *Transports) ingestCode(ctx context.Context, code string, tr commlog.Transport, source string, payload []byte) (*Receipt, error) {
	var rc *Receipt
	err := t.svc.tx.AsTenant(ctx, t.tenant, func(ctx context.Context) error {
		var err error
		rc, err = t.svc.IngestCode(ctx, auth.SystemCapabilities(), code, Message{Transport: tr, Source: source, Payload: payload})
		return err
	})
	return rc, err
}

func analyzerCode(msg *hl7v2.Message) string {
	if code := strings.TrimSpace(firstComponent(msg.SendingApp)); code != "" {
		return code
	}
	return strings.TrimSpace(firstComponent(msg.SendingFac))
}

func firstComponent(s string) string {
	head, _, _ := strings.Cut(s, "^")
	return head
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
