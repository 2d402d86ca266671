package ingest

import (
	"testing"

	"vibranium/internal/config"
)

const packet = "0064ffce00000d0a"

func TestParsePlainHex(t *testing.T) {
	p := NewParser(config.ParserConfig{DefaultEndpoint: "c8:df:84:34:ad:c0"})
	ev, err := p.ParseLine(" 0064FFCE00000D0A\r\n")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.Data != packet {
		t.Fatalf("data: %s", ev.Data)
	}
	if ev.EndpointID != "C8DF8434ADC0" {
		t.Fatalf("endpoint: %s", ev.EndpointID)
	}
	if ev.Received.IsZero() {
		t.Fatalf("received not set")
	}
}

func TestParseAddressAndHex(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	ev, err := p.ParseLine("c8:df:84:34:ad:c0 b'0064ffce00000d0a'")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.EndpointID != "C8DF8434ADC0" || ev.Data != packet {
		t.Fatalf("mismatch: %+v", ev)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	ev, err := p.ParseLine("C8DF8434ADC0,0064ffce00000d0a")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.EndpointID != "C8DF8434ADC0" || ev.Data != packet {
		t.Fatalf("csv parse mismatch: %+v", ev)
	}

	ev, err = p.ParseLine("2021-08-01 10:00:00,C8DF8434ADC0,0064ffce00000d0a")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.Received.Year() != 2021 || ev.Received.Second() != 0 {
		t.Fatalf("timestamp: %v", ev.Received)
	}
}

func TestParseCSVHeader(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	if ev, _ := p.ParseLine("data,endpoint"); ev != nil {
		t.Fatalf("expected header to return nil")
	}
	ev, err := p.ParseLine("0064ffce00000d0a,C8DF8434ADC0")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.EndpointID != "C8DF8434ADC0" || ev.Data != packet {
		t.Fatalf("csv header mismatch: %+v", ev)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	ev, err := p.ParseLine(`{"endpoint":"c8-df-84-34-ad-c0","data":"0064FFCE00000D0A","timestamp":"2021-08-01T10:00:00Z"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.EndpointID != "C8DF8434ADC0" || ev.Data != packet {
		t.Fatalf("json parse mismatch: %+v", ev)
	}
	if ev.Received.Hour() != 10 {
		t.Fatalf("timestamp: %v", ev.Received)
	}
	if _, err := p.ParseLine(`{"endpoint":"C8DF8434ADC0"}`); err != ErrNoPacket {
		t.Fatalf("expected ErrNoPacket, got %v", err)
	}
}

func TestParseKeyValue(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	ev, err := p.ParseLine("endpoint=C8DF8434ADC0 data=0064ffce00000d0a")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if ev.EndpointID != "C8DF8434ADC0" || ev.Data != packet {
		t.Fatalf("kv parse mismatch: %+v", ev)
	}
}

func TestParseBlank(t *testing.T) {
	p := NewParser(config.ParserConfig{})
	ev, err := p.ParseLine("   ")
	if ev != nil || err != nil {
		t.Fatalf("expected nil, nil; got %v, %v", ev, err)
	}
}

func TestTopicEndpoint(t *testing.T) {
	if got := TopicEndpoint("vibration/+/raw", "vibration/c8:df:84:34:ad:c0/raw"); got != "C8DF8434ADC0" {
		t.Fatalf("endpoint: %q", got)
	}
	if got := TopicEndpoint("vibration/raw", "vibration/raw"); got != "" {
		t.Fatalf("expected empty endpoint, got %q", got)
	}
}
