package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"slidesync-server/core"
)

// Inbound message types.
const (
	TypeJoinPresentation = "join_presentation"
	TypeAddElement       = "add_element"
	TypeUpdateElement    = "update_element"
	TypeDeleteElement    = "delete_element"
	TypeChangeSlide      = "change_slide"
	TypeChangeRole       = "change_role"
	TypeAddSlide         = "add_slide"
	TypeUpdateSlide      = "update_slide"
	TypeDeleteSlide      = "delete_slide"
)

// Outbound message types.
const (
	TypePresentationState = "presentation_state"
	TypeUpdateUsers       = "update_users"
	TypeElementAdded      = "element_added"
	TypeElementUpdated    = "element_updated"
	TypeElementDeleted    = "element_deleted"
	TypeSlideAdded        = "slide_added"
	TypeSlideUpdated      = "slide_updated"
	TypeSlideDeleted      = "slide_deleted"
	TypeSlideChanged      = "slide_changed"
	TypeRoleChanged       = "role_changed"
	TypeError             = "error"
)

// InboundTypes lists every message type the dispatcher acts on.
var InboundTypes = []string{
	TypeJoinPresentation,
	TypeAddElement,
	TypeUpdateElement,
	TypeDeleteElement,
	TypeChangeSlide,
	TypeChangeRole,
	TypeAddSlide,
	TypeUpdateSlide,
	TypeDeleteSlide,
}

// Message is the closed set of decoded inbound messages.
type Message interface {
	MessageType() string
}

type (
	JoinPresentation struct {
		DocumentID  string
		Identity    string
		Role        Role
		DisplayName string
	}

	AddElement struct {
		Element core.Element
	}

	UpdateElement struct {
		ElementID int64
		Patch     core.ElementPatch
	}

	DeleteElement struct {
		ElementID int64
	}

	ChangeSlide struct {
		Index int
	}

	ChangeRole struct {
		Target  string
		NewRole Role
	}

	AddSlide struct {
		Slide core.Slide
	}

	UpdateSlide struct {
		SlideID int64
		Patch   core.SlidePatch
	}

	DeleteSlide struct {
		SlideID int64
	}

	// Unknown carries a message whose type this server does not handle.
	Unknown struct {
		Type string
	}
)

func (JoinPresentation) MessageType() string { return TypeJoinPresentation }
func (AddElement) MessageType() string       { return TypeAddElement }
func (UpdateElement) MessageType() string    { return TypeUpdateElement }
func (DeleteElement) MessageType() string    { return TypeDeleteElement }
func (ChangeSlide) MessageType() string      { return TypeChangeSlide }
func (ChangeRole) MessageType() string       { return TypeChangeRole }
func (AddSlide) MessageType() string         { return TypeAddSlide }
func (UpdateSlide) MessageType() string      { return TypeUpdateSlide }
func (DeleteSlide) MessageType() string      { return TypeDeleteSlide }
func (m Unknown) MessageType() string        { return m.Type }

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexID accepts an integer id given as a JSON number or numeric string.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	id, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", string(s))
	}
	*f = flexID(id)
	return nil
}

type (
	envelope struct {
		Type string `json:"type"`
	}

	joinPayload struct {
		PresentationID flexString `json:"presentationId"`
		DocumentID     flexString `json:"documentId"`
		UserID         flexString `json:"userId"`
		Role           string     `json:"role"`
		Nickname       string     `json:"nickname"`
		DisplayName    string     `json:"displayName"`
	}

	addElementPayload struct {
		SlideID flexID        `json:"slideId"`
		Element *core.Element `json:"element"`
	}

	elementPayload struct {
		ElementID flexID            `json:"elementId"`
		Updates   core.ElementPatch `json:"updates"`
	}

	changeSlidePayload struct {
		Index *int `json:"index"`
	}

	changeRolePayload struct {
		Target  flexString `json:"target"`
		UserID  flexString `json:"userId"`
		NewRole string     `json:"newRole"`
	}

	addSlidePayload struct {
		Slide *core.Slide `json:"slide"`
	}

	slidePayload struct {
		SlideID flexID          `json:"slideId"`
		Updates core.SlidePatch `json:"updates"`
	}
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// Decode parses one inbound frame. Unrecognised types decode to Unknown; a
// frame that is not JSON or misses required fields yields ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed("invalid json: %v", err)
	}
	if env.Type == "" {
		return nil, malformed("missing type")
	}

	switch env.Type {
	case TypeJoinPresentation:
		var p joinPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		documentID := p.PresentationID
		if documentID == "" {
			documentID = p.DocumentID
		}
		if documentID == "" || p.UserID == "" {
			return nil, malformed("%s: presentationId and userId are required", env.Type)
		}
		role, ok := ParseRole(p.Role)
		if !ok {
			return nil, malformed("%s: unknown role %q", env.Type, p.Role)
		}
		name := p.Nickname
		if name == "" {
			name = p.DisplayName
		}
		return JoinPresentation{
			DocumentID:  string(documentID),
			Identity:    string(p.UserID),
			Role:        role,
			DisplayName: name,
		}, nil

	case TypeAddElement:
		var p addElementPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		if p.Element == nil || p.Element.ID == 0 {
			return nil, malformed("%s: element with id is required", env.Type)
		}
		if p.Element.SlideID == 0 {
			p.Element.SlideID = int64(p.SlideID)
		}
		if p.Element.SlideID == 0 {
			return nil, malformed("%s: slide id is required", env.Type)
		}
		if !p.Element.Type.Valid() {
			return nil, malformed("%s: invalid element type %q", env.Type, p.Element.Type)
		}
		return AddElement{Element: *p.Element}, nil

	case TypeUpdateElement, TypeDeleteElement:
		var p elementPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		if p.ElementID == 0 {
			return nil, malformed("%s: elementId is required", env.Type)
		}
		if env.Type == TypeDeleteElement {
			return DeleteElement{ElementID: int64(p.ElementID)}, nil
		}
		return UpdateElement{ElementID: int64(p.ElementID), Patch: p.Updates}, nil

	case TypeChangeSlide:
		var p changeSlidePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		if p.Index == nil {
			return nil, malformed("%s: index is required", env.Type)
		}
		return ChangeSlide{Index: *p.Index}, nil

	case TypeChangeRole:
		var p changeRolePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		target := p.Target
		if target == "" {
			target = p.UserID
		}
		if target == "" || strings.TrimSpace(p.NewRole) == "" {
			return nil, malformed("%s: target and newRole are required", env.Type)
		}
		role, ok := ParseRole(p.NewRole)
		if !ok {
			return nil, malformed("%s: unknown role %q", env.Type, p.NewRole)
		}
		return ChangeRole{Target: string(target), NewRole: role}, nil

	case TypeAddSlide:
		var p addSlidePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		if p.Slide == nil || p.Slide.ID == 0 {
			return nil, malformed("%s: slide with id is required", env.Type)
		}
		return AddSlide{Slide: *p.Slide}, nil

	case TypeUpdateSlide, TypeDeleteSlide:
		var p slidePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed("%s: %v", env.Type, err)
		}
		if p.SlideID == 0 {
			return nil, malformed("%s: slideId is required", env.Type)
		}
		if env.Type == TypeDeleteSlide {
			return DeleteSlide{SlideID: int64(p.SlideID)}, nil
		}
		return UpdateSlide{SlideID: int64(p.SlideID), Patch: p.Updates}, nil
	}

	return Unknown{Type: env.Type}, nil
}

type (
	presentationStateMessage struct {
		Type string `json:"type"`
		Snapshot
		Role  Role          `json:"role"`
		Users []Participant `json:"users"`
	}

	rosterMessage struct {
		Type       string        `json:"type"`
		DocumentID string        `json:"presentationId"`
		Users      []Participant `json:"users"`
	}

	elementMessage struct {
		Type    string       `json:"type"`
		SlideID int64        `json:"slideId"`
		Element core.Element `json:"element"`
		UserID  string       `json:"userId,omitempty"`
	}

	elementDeletedMessage struct {
		Type      string `json:"type"`
		SlideID   int64  `json:"slideId"`
		ElementID int64  `json:"elementId"`
		UserID    string `json:"userId,omitempty"`
	}

	slideMessage struct {
		Type   string     `json:"type"`
		Slide  core.Slide `json:"slide"`
		UserID string     `json:"userId,omitempty"`
	}

	slideDeletedMessage struct {
		Type       string  `json:"type"`
		SlideID    int64   `json:"slideId"`
		ElementIDs []int64 `json:"elementIds"`
		Index      int     `json:"currentSlideIndex"`
		UserID     string  `json:"userId,omitempty"`
	}

	slideChangedMessage struct {
		Type   string `json:"type"`
		Index  int    `json:"index"`
		UserID string `json:"userId,omitempty"`
	}

	roleChangedMessage struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
		Role   Role   `json:"role"`
	}

	errorMessage struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Request string `json:"request,omitempty"`
	}
)
