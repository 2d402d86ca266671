package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"vibranium/internal/config"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

var ErrNoPacket = errors.New("line carries no packet")

var reKV = regexp.MustCompile(`(?i)([a-z_]+)=([^\s,]+)`)

// Parser turns transport lines into packet events. Accepted forms:
//
//	0064ffce00000d0a
//	c8:df:84:34:ad:c0 0064ffce00000d0a
//	C8DF8434ADC0,0064ffce00000d0a
//	2021-08-01 10:00:00,C8DF8434ADC0,0064ffce00000d0a
//	{"endpoint":"C8DF8434ADC0","data":"0064ffce00000d0a"}
//	endpoint=C8DF8434ADC0 data=0064ffce00000d0a
type Parser struct {
	defaultEndpoint string
	loc             *time.Location
	now             func() time.Time

	mu     sync.Mutex
	header []string
}

func NewParser(cfg config.ParserConfig) *Parser {
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	return &Parser{
		defaultEndpoint: normalize.MAC(cfg.DefaultEndpoint),
		loc:             loc,
		now:             time.Now,
	}
}

// ParseLine returns nil, nil for blank lines and CSV headers.
func (p *Parser) ParseLine(line string) (*model.PacketEvent, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		return p.ParseJSON([]byte(trim))
	}
	if reKV.MatchString(trim) {
		return p.parseKV(trim)
	}
	if strings.Contains(trim, ",") {
		return p.parseCSV(trim)
	}
	fields := strings.Fields(trim)
	if len(fields) == 2 && isMAC(fields[0]) {
		return p.event("", fields[0], fields[1])
	}
	return p.event("", "", trim)
}

func (p *Parser) ParseJSON(data []byte) (*model.PacketEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	kv := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		kv[strings.ToLower(key)] = fmt.Sprint(val)
	}
	return p.fromMap(kv)
}

func (p *Parser) parseKV(line string) (*model.PacketEvent, error) {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	return p.fromMap(kv)
}

func (p *Parser) fromMap(kv map[string]string) (*model.PacketEvent, error) {
	return p.event(
		firstNonEmpty(kv, "timestamp", "time", "ts", "received"),
		firstNonEmpty(kv, "endpoint", "endpoint_id", "endpointid", "mac", "address"),
		firstNonEmpty(kv, "data", "packet", "hex", "value", "payload"),
	)
}

func (p *Parser) parseCSV(line string) (*model.PacketEvent, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.header == nil && looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		p.mu.Unlock()
		return nil, nil
	}
	header := p.header
	p.mu.Unlock()

	if header != nil {
		kv := map[string]string{}
		for i, name := range header {
			if i < len(record) {
				kv[name] = strings.TrimSpace(record[i])
			}
		}
		return p.fromMap(kv)
	}
	switch len(record) {
	case 1:
		return p.event("", "", record[0])
	case 2:
		return p.event("", record[0], record[1])
	default:
		return p.event(record[0], record[1], record[2])
	}
}

func (p *Parser) event(ts, endpoint, data string) (*model.PacketEvent, error) {
	data = normalize.Packet(data)
	if data == "" {
		return nil, ErrNoPacket
	}
	ev := &model.PacketEvent{
		Received:   p.now(),
		EndpointID: normalize.MAC(endpoint),
		Data:       data,
	}
	if ev.EndpointID == "" {
		ev.EndpointID = p.defaultEndpoint
	}
	if ts = strings.TrimSpace(ts); ts != "" {
		parsed, err := normalize.ParseTimestamp(ts, p.loc)
		if err != nil {
			return nil, err
		}
		ev.Received = parsed
	}
	return ev, nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "time", "ts", "endpoint", "endpoint_id", "mac", "data", "packet", "hex":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// isMAC reports whether s is a 48-bit hardware address in any common notation.
func isMAC(s string) bool {
	s = normalize.MAC(s)
	if len(s) != 12 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return true
}
