package lock

import (
	"fmt"
)

// Kind identifies where the lock fields live inside a document.
type Kind int

const (
	// KindNone is the zero selector; it addresses nothing.
	KindNone Kind = iota
	// KindDirect addresses the document's own embedded Record.
	KindDirect
	// KindSingleField addresses one Record held in a named field.
	KindSingleField
	// KindCollectionField addresses the element of a Record slice whose ID matches.
	KindCollectionField
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSingleField:
		return "field"
	case KindCollectionField:
		return "collection"
	default:
		return "none"
	}
}

// Selector tells stores and handles where the lock fields of a document of type P are.
//
// Backends that evaluate predicates in Go use the accessor functions; backends with a
// query language (MongoDB) use Path, the document path of the field in storage.
type Selector[P any] struct {
	kind Kind
	path string
	one  func(*P) *Record
	many func(*P) []Record
}

// Self addresses a document that embeds its own Record.
func Self[P any](get func(*P) *Record) Selector[P] {
	return Selector[P]{kind: KindDirect, one: get}
}

// Field addresses a single Record stored in the document field at path.
func Field[P any](path string, get func(*P) *Record) Selector[P] {
	return Selector[P]{kind: KindSingleField, path: path, one: get}
}

// Collection addresses one element of the Record slice stored at path. The element is
// chosen by ID; IDs must be unique within the slice.
func Collection[P any](path string, get func(*P) []Record) Selector[P] {
	return Selector[P]{kind: KindCollectionField, path: path, many: get}
}

// Kind returns the selector variant.
func (s Selector[P]) Kind() Kind { return s.kind }

// Path returns the storage path of the lock location, empty for Self.
func (s Selector[P]) Path() string { return s.path }

func (s Selector[P]) String() string {
	if s.path == "" {
		return s.kind.String()
	}
	return s.kind.String() + ":" + s.path
}

// Validate reports whether the selector can address anything.
func (s Selector[P]) Validate() error {
	switch s.kind {
	case KindNone:
		return ErrNoSelector
	case KindDirect:
		if s.one == nil {
			return fmt.Errorf("%w: direct selector without accessor", ErrInvalidArgument)
		}
	case KindSingleField:
		if s.one == nil || s.path == "" {
			return fmt.Errorf("%w: field selector needs a path and an accessor", ErrInvalidArgument)
		}
	case KindCollectionField:
		if s.many == nil || s.path == "" {
			return fmt.Errorf("%w: collection selector needs a path and an accessor", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown selector kind %d", ErrInvalidArgument, s.kind)
	}
	return nil
}

// Resolve returns the addressable Record for targetID inside doc. It returns false when
// the record is absent, has a different ID, or when more than one collection element
// carries targetID.
func (s Selector[P]) Resolve(doc *P, targetID string) (*Record, bool) {
	if doc == nil || targetID == "" {
		return nil, false
	}

	switch s.kind {
	case KindDirect, KindSingleField:
		rec := s.one(doc)
		if rec == nil || rec.ID != targetID {
			return nil, false
		}
		return rec, true

	case KindCollectionField:
		elems := s.many(doc)
		var found *Record
		for i := range elems {
			if elems[i].ID != targetID {
				continue
			}
			if found != nil {
				return nil, false
			}
			found = &elems[i]
		}
		return found, found != nil
	}

	return nil, false
}

// normalize checks the selector and the ids of a store call. A Direct selector targets
// the document itself, so an empty targetID means parentID and any other value must
// equal it.
func (s Selector[P]) normalize(parentID, targetID string) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if parentID == "" {
		return "", fmt.Errorf("%w: parent id is required", ErrInvalidArgument)
	}
	if s.kind == KindDirect {
		if targetID == "" {
			return parentID, nil
		}
		if targetID != parentID {
			return "", fmt.Errorf("%w: direct target %q must equal parent %q", ErrInvalidArgument, targetID, parentID)
		}
		return targetID, nil
	}
	if targetID == "" {
		return "", fmt.Errorf("%w: target id is required", ErrInvalidArgument)
	}
	return targetID, nil
}
