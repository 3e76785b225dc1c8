package action

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
	"go.uber.org/multierr"
)

var (
	// ErrUnregistered is returned when encoding a variant that was never registered.
	ErrUnregistered = errors.New("action type not registered")
	// ErrTagConflict is returned when two Go types claim the same wire tag.
	ErrTagConflict = errors.New("action tag already bound to another type")
)

const typeField = "type"

// DecodeError reports a body that could not be turned into a registered action.
type DecodeError struct {
	Tag      string
	Expected string
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	msg := "decode action"
	if e.Tag != "" {
		msg += " " + e.Tag
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

type codec struct {
	goType reflect.Type
	decode func(data []byte) (Action, error)
}

// Protocol is the table of active variants. Variants join it as routes and handlers are
// installed; nothing is registered globally.
type Protocol struct {
	mu    sync.RWMutex
	byTag map[string]codec
}

func NewProtocol() *Protocol {
	return &Protocol{byTag: make(map[string]codec)}
}

// Register makes T encodable and decodable. Registering the same T again is a no-op.
func Register[T Action](p *Protocol) error {
	var zero T
	tag := zero.ActionType()
	if tag == "" {
		return fmt.Errorf("action %T has an empty tag", zero)
	}
	rt := reflect.TypeOf(zero)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.byTag[tag]; ok {
		if existing.goType == rt {
			return nil
		}
		return fmt.Errorf("%w: %q is %s, not %s", ErrTagConflict, tag, existing.goType, rt)
	}
	p.byTag[tag] = codec{
		goType: rt,
		decode: func(data []byte) (Action, error) {
			var v T
			if err := sonic.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
	return nil
}

// RegisterDefaults registers the doorbell signaling catalogue.
func RegisterDefaults(p *Protocol) error {
	return multierr.Combine(
		Register[SDPOffer](p),
		Register[SDPAnswer](p),
		Register[ICECandidate](p),
		Register[CallAccept](p),
		Register[CallDismiss](p),
		Register[CallStart](p),
		Register[CallStarted](p),
		Register[MotionDetected](p),
	)
}

// Registered lists active tags in sorted order.
func (p *Protocol) Registered() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tags := make([]string, 0, len(p.byTag))
	for tag := range p.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (p *Protocol) IsRegistered(a Action) bool {
	if a == nil {
		return false
	}
	p.mu.RLock()
	c, ok := p.byTag[a.ActionType()]
	p.mu.RUnlock()
	return ok && c.goType == reflect.TypeOf(a)
}

// Encode returns the JSON form of a with the "type" discriminator first.
func (p *Protocol) Encode(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil action", ErrUnregistered)
	}
	if !p.IsRegistered(a) {
		return nil, fmt.Errorf("%w: %s (%T)", ErrUnregistered, a.ActionType(), a)
	}
	body, err := sonic.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.ActionType(), err)
	}
	return withTypeField(a.ActionType(), body)
}

func withTypeField(tag string, body []byte) ([]byte, error) {
	tagJSON, err := sonic.Marshal(tag)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: payload is not a JSON object", tag)
	}
	rest := bytes.TrimSpace(body[1:])

	out := make([]byte, 0, len(body)+len(tagJSON)+len(typeField)+4)
	out = append(out, '{', '"')
	out = append(out, typeField...)
	out = append(out, '"', ':')
	out = append(out, tagJSON...)
	if rest[0] != '}' {
		out = append(out, ',')
	}
	return append(out, rest...), nil
}

// Decode parses data, which must carry the tag expected. Unknown fields are ignored.
func (p *Protocol) Decode(data []byte, expected string) (Action, error) {
	node, err := sonic.Get(data, typeField)
	if err != nil {
		return nil, &DecodeError{Expected: expected, Reason: "missing type discriminator", Err: err}
	}
	if node.TypeSafe() != ast.V_STRING {
		return nil, &DecodeError{Expected: expected, Reason: "type discriminator is not a string"}
	}
	tag, err := node.String()
	if err != nil {
		return nil, &DecodeError{Expected: expected, Reason: "unreadable type discriminator", Err: err}
	}
	if expected != "" && tag != expected {
		return nil, &DecodeError{Tag: tag, Expected: expected, Reason: fmt.Sprintf("expected %s", expected)}
	}

	p.mu.RLock()
	c, ok := p.byTag[tag]
	p.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{Tag: tag, Expected: expected, Reason: "unregistered type", Err: ErrUnregistered}
	}

	a, err := c.decode(data)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Expected: expected, Reason: "payload does not match", Err: err}
	}
	return a, nil
}

// DecodeAny decodes whichever registered variant data names.
func (p *Protocol) DecodeAny(data []byte) (Action, error) {
	return p.Decode(data, "")
}
