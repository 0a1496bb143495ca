package hl7v2

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// BuildACK answers incoming with an ACK carrying code in MSA-1 and, for
// AE/AR, the reason in MSA-3. Sender and receiver are swapped.
func BuildACK(incoming *Message, code, text string) []byte {
	enc := incoming.Encoding()
	if enc.Field == 0 {
		enc = DefaultEncoding
	}
	trigger := ""
	if _, t, ok := strings.Cut(incoming.Type, string(enc.Component)); ok {
		trigger, _, _ = strings.Cut(t, string(enc.Component))
	}
	version := incoming.Version
	if version == "" {
		version = "2.5.1"
	}

	f := string(enc.Field)
	header := string([]byte{enc.Component, enc.Repetition, enc.Escape, enc.Subcomponent})
	msh := strings.Join([]string{
		"MSH", header,
		incoming.ReceivingApp, incoming.ReceivingFac,
		incoming.SendingApp, incoming.SendingFac,
		time.Now().UTC().Format("20060102150405"), "",
		"ACK" + string(enc.Component) + trigger + string(enc.Component) + "ACK",
		strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		"P", version,
	}, f)
	msa := strings.Join([]string{"MSA", code, incoming.ControlID, escape(text, enc)}, f)
	return []byte(msh + "\r" + msa + "\r")
}

// RejectUnparseable builds an AR for bytes that did not parse as HL7. The
// control id is recovered from MSH-10 on a best-effort basis.
func RejectUnparseable(raw []byte, reason string) []byte {
	stub := &Message{enc: DefaultEncoding}
	line, _, _ := strings.Cut(strings.ReplaceAll(string(raw), "\n", "\r"), "\r")
	if strings.HasPrefix(line, "MSH|") {
		parts := strings.Split(line, "|")
		if len(parts) > 9 {
			stub.ControlID = parts[9]
		}
	}
	return BuildACK(stub, AckReject, reason)
}

func escape(s string, enc Encoding) string {
	r := strings.NewReplacer(
		string(enc.Escape), string(enc.Escape)+"E"+string(enc.Escape),
		string(enc.Field), string(enc.Escape)+"F"+string(enc.Escape),
		string(enc.Component), string(enc.Escape)+"S"+string(enc.Escape),
		string(enc.Subcomponent), string(enc.Escape)+"T"+string(enc.Escape),
		string(enc.Repetition), string(enc.Escape)+"R"+string(enc.Escape),
		"\r", " ", "\n", " ",
	)
	return r.Replace(s)
}
