package terminal

import "unicode/utf8"

// parserState is the current position in the small state machine below,
// modeled on the classic vt500-series parser (the same one xterm.js and
// libvterm are built on): Ground handles plain text and C0 controls,
// Escape dispatches bare ESC sequences, CSIEntry collects a CSI
// sequence's parameters up to its final byte, OSC collects an OSC string
// up to its terminator.
type parserState int

const (
	stateGround parserState = iota
	stateEscape
	stateCSIEntry
	stateOSC
)

const maxCSIParams = 32

// AnsiParser turns a raw byte stream into the callbacks TerminalBuffer
// wires up: printable runes, C0 control codes, CSI sequences, OSC
// strings, and the handful of bare ESC sequences a shell actually emits.
type AnsiParser struct {
	state parserState

	// CSI accumulation
	params       []int
	curParam     int
	hasParam     bool
	intermediate []byte

	// OSC accumulation
	oscBuf    []byte
	oscEscSeen bool

	// a UTF-8 sequence split across two Parse() calls
	pending []byte

	OnPrint   func(r rune)
	OnExecute func(b byte)
	OnCsi     func(params []int, intermediate []byte, final byte)
	OnOsc     func(params [][]byte)
	OnEscape  func(intermediate []byte, final byte)
}

// NewAnsiParser returns a parser in the ground state, ready for its
// callbacks to be attached.
func NewAnsiParser() *AnsiParser {
	return &AnsiParser{}
}

// Parse feeds data through the state machine. Calls are stateful: a
// CSI or OSC sequence (or a multi-byte rune) split across two Parse
// calls is reassembled correctly.
func (p *AnsiParser) Parse(data []byte) {
	if len(p.pending) > 0 {
		data = append(p.pending, data...)
		p.pending = nil
	}

	i := 0
	for i < len(data) {
		b := data[i]

		switch p.state {
		case stateGround:
			if b == 0x1b {
				p.state = stateEscape
				p.intermediate = p.intermediate[:0]
				i++
				continue
			}
			if b < 0x20 || b == 0x7f {
				if p.OnExecute != nil {
					p.OnExecute(b)
				}
				i++
				continue
			}
			if b < 0x80 {
				if p.OnPrint != nil {
					p.OnPrint(rune(b))
				}
				i++
				continue
			}
			// Multi-byte UTF-8
			if !utf8.FullRune(data[i:]) {
				// truncated at the chunk boundary
				p.pending = append(p.pending, data[i:]...)
				return
			}
			r, size := utf8.DecodeRune(data[i:])
			if r == utf8.RuneError && size <= 1 {
				i++
				continue
			}
			if p.OnPrint != nil {
				p.OnPrint(r)
			}
			i += size

		case stateEscape:
			switch {
			case b == '[':
				p.state = stateCSIEntry
				p.params = p.params[:0]
				p.curParam = 0
				p.hasParam = false
			case b == ']':
				p.state = stateOSC
				p.oscBuf = p.oscBuf[:0]
				p.oscEscSeen = false
			case b >= 0x20 && b <= 0x2f:
				p.intermediate = append(p.intermediate, b)
			case b >= 0x30 && b <= 0x7e:
				if p.OnEscape != nil {
					p.OnEscape(p.intermediate, b)
				}
				p.state = stateGround
			default:
				p.state = stateGround
			}
			i++

		case stateCSIEntry:
			switch {
			case b >= '0' && b <= '9':
				p.curParam = p.curParam*10 + int(b-'0')
				p.hasParam = true
			case b == ';':
				p.params = p.appendParam(p.params)
				p.curParam = 0
				p.hasParam = false
			case b >= 0x20 && b <= 0x2f:
				p.intermediate = append(p.intermediate, b)
			case b >= 0x40 && b <= 0x7e:
				p.params = p.appendParam(p.params)
				if p.OnCsi != nil {
					p.OnCsi(p.params, p.intermediate, b)
				}
				p.state = stateGround
			default:
				// unsupported private-marker bytes ('?', '<', '=', '>') are
				// tolerated and ignored rather than aborting the sequence
			}
			i++

		case stateOSC:
			if p.oscEscSeen {
				if b == '\\' {
					p.flushOSC()
					p.state = stateGround
				} else {
					// malformed ST; bail out to ground rather than hang
					p.flushOSC()
					p.state = stateGround
					continue
				}
				i++
				continue
			}
			switch b {
			case 0x07: // BEL terminator
				p.flushOSC()
				p.state = stateGround
			case 0x1b: // possible ST (ESC \)
				p.oscEscSeen = true
			default:
				p.oscBuf = append(p.oscBuf, b)
			}
			i++
		}
	}
}

func (p *AnsiParser) appendParam(params []int) []int {
	if len(params) >= maxCSIParams {
		return params
	}
	return append(params, p.curParam)
}

func (p *AnsiParser) flushOSC() {
	if p.OnOsc == nil {
		return
	}
	parts := make([][]byte, 0, 2)
	start := 0
	for i, b := range p.oscBuf {
		if b == ';' {
			parts = append(parts, p.oscBuf[start:i])
			start = i + 1
			if len(parts) == 1 {
				break
			}
		}
	}
	if start <= len(p.oscBuf) {
		parts = append(parts, p.oscBuf[start:])
	}
	p.OnOsc(parts)
}
