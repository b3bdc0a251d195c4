package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

// MaxRecordSize bounds one raw audit record. Anything larger is
// rejected before tokenization.
const MaxRecordSize = 8192

// ErrParse marks a malformed audit record. Callers drop the record
// and continue.
var ErrParse = errors.New("malformed audit record")

// Parser decodes raw audit records into structured form. The zero
// value is usable; Metrics is optional.
type Parser struct {
	Metrics *metrics.Collector
}

// fieldIterator walks space/newline separated tokens. A token opening
// with "msg='" starts an embedded quoted block: the five prefix bytes
// are skipped and a trailing "'" is stripped from block tokens.
type fieldIterator struct {
	str     string
	val     string
	idx     int
	inBlock bool
}

func (it *fieldIterator) next() bool {
	for {
		if it.idx < 0 || it.idx >= len(it.str) {
			return false
		}
		end := strings.IndexAny(it.str[it.idx:], " \n")
		if end < 0 {
			end = len(it.str)
		} else {
			end += it.idx
		}
		it.val = it.str[it.idx:end]
		if strings.HasPrefix(it.val, "msg='") {
			it.idx += 5
			it.inBlock = true
			continue
		}
		it.idx = end
		for it.idx < len(it.str) && (it.str[it.idx] == ' ' || it.str[it.idx] == '\n') {
			it.idx++
		}
		if it.idx >= len(it.str) {
			it.idx = -1
		}
		// The token might have closed a msg='...' block.
		if it.inBlock && strings.HasSuffix(it.val, "'") {
			it.val = it.val[:len(it.val)-1]
			it.inBlock = false
		}
		return true
	}
}

// Parse decodes one raw audit record. The record's field views share
// one string conversion of data; no per-field copies are made.
//
// Three prefix shapes are accepted:
//
//	node=<n> type=<t> msg=audit(<sec>.<msec>:<ser>): <fields>
//	type=<t> msg=audit(<sec>.<msec>:<ser>): <fields>
//	audit(<sec>.<msec>:<ser>): <fields>
func (p *Parser) Parse(data []byte) (*types.Record, error) {
	if len(data) == 0 || len(data) > MaxRecordSize {
		p.countFailed()
		return nil, fmt.Errorf("%w: record size %d out of range", ErrParse, len(data))
	}

	rec := &types.Record{Raw: data}
	str := string(data)
	it := &fieldIterator{str: str}
	if !it.next() {
		p.countFailed()
		return nil, fmt.Errorf("%w: empty record", ErrParse)
	}

	if strings.HasPrefix(it.val, "node=") {
		rec.Node = it.val[5:]
		if !it.next() {
			p.countFailed()
			return nil, fmt.Errorf("%w: truncated after node", ErrParse)
		}
	}

	if strings.HasPrefix(it.val, "type=") {
		rec.TypeName = it.val[5:]
		if !it.next() {
			p.countFailed()
			return nil, fmt.Errorf("%w: truncated after type", ErrParse)
		}
	}
	if rec.TypeName != "" {
		rec.TypeCode = types.RecordTypeCode(rec.TypeName)
	}

	val := it.val
	val = strings.TrimPrefix(val, "msg=")

	if !strings.HasPrefix(val, "audit(") || !strings.HasSuffix(val, "):") {
		p.countFailed()
		return nil, fmt.Errorf("%w: missing audit(...) block", ErrParse)
	}

	id, err := parseEventId(val[6 : len(val)-2])
	if err != nil {
		p.countFailed()
		return nil, err
	}
	rec.EventId = id

	for it.next() {
		eq := strings.IndexByte(it.val, '=')
		if eq < 0 {
			p.countDropped()
			continue
		}
		rec.Fields = append(rec.Fields, types.Field{
			Name:  it.val[:eq],
			Value: it.val[eq+1:],
		})
	}

	if p.Metrics != nil {
		p.Metrics.RecordsParsed.Inc()
	}
	return rec, nil
}

// SetTypeCode fixes up a record received over netlink, where the type
// arrives in the message header instead of a type= token.
func SetTypeCode(rec *types.Record, code uint32) {
	if rec.TypeName == "" && code != types.RecordTypeUnknown {
		rec.TypeCode = code
		rec.TypeName = types.RecordTypeName(code)
	}
}

// parseEventId decodes "<sec>.<msec>:<serial>". The millisecond part
// is exactly three digits.
func parseEventId(s string) (types.EventId, error) {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return types.EventId{}, fmt.Errorf("%w: event id %q lacks '.'", ErrParse, s)
	}
	colon := strings.IndexByte(s[dot:], ':')
	if colon < 0 {
		return types.EventId{}, fmt.Errorf("%w: event id %q lacks ':'", ErrParse, s)
	}
	colon += dot

	secStr := s[:dot]
	msecStr := s[dot+1 : colon]
	serStr := s[colon+1:]

	if len(msecStr) != 3 {
		return types.EventId{}, fmt.Errorf("%w: event id %q msec is not three digits", ErrParse, s)
	}

	sec, err := parseDecimal(secStr, 20)
	if err != nil {
		return types.EventId{}, fmt.Errorf("%w: event id %q seconds: %v", ErrParse, s, err)
	}
	msec, err := parseDecimal(msecStr, 3)
	if err != nil {
		return types.EventId{}, fmt.Errorf("%w: event id %q msec: %v", ErrParse, s, err)
	}
	ser, err := parseDecimal(serStr, 20)
	if err != nil {
		return types.EventId{}, fmt.Errorf("%w: event id %q serial: %v", ErrParse, s, err)
	}

	return types.EventId{Seconds: sec, Milliseconds: uint32(msec), Serial: ser}, nil
}

// parseDecimal parses a non-negative decimal integer without the
// sign/base laxness of strconv.ParseUint's friends.
func parseDecimal(s string, maxDigits int) (uint64, error) {
	if s == "" || len(s) > maxDigits {
		return 0, fmt.Errorf("bad length %d", len(s))
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit %q", c)
		}
		d := uint64(c - '0')
		if n > (^uint64(0)-d)/10 {
			return 0, fmt.Errorf("overflow")
		}
		n = n*10 + d
	}
	return n, nil
}

func (p *Parser) countFailed() {
	if p.Metrics != nil {
		p.Metrics.RecordsFailed.Inc()
	}
}

func (p *Parser) countDropped() {
	if p.Metrics != nil {
		p.Metrics.FieldsDropped.Inc()
	}
}
