package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelector_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sel     Selector[testResource]
		wantErr error
	}{
		{"zero", Selector[testResource]{}, ErrNoSelector},
		{"self", selfSelector(), nil},
		{"field", ownerSelector(), nil},
		{"collection", slotsSelector(), nil},
		{"self without accessor", Self[testResource](nil), ErrInvalidArgument},
		{"field without path", Field("", func(r *testResource) *Record { return &r.Owner }), ErrInvalidArgument},
		{"collection without accessor", Collection[testResource]("slots", nil), ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sel.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSelector_String(t *testing.T) {
	assert.Equal(t, "none", Selector[testResource]{}.String())
	assert.Equal(t, "direct", selfSelector().String())
	assert.Equal(t, "field:owner", ownerSelector().String())
	assert.Equal(t, "collection:slots", slotsSelector().String())
	assert.Equal(t, KindCollectionField, slotsSelector().Kind())
	assert.Equal(t, "slots", slotsSelector().Path())
}

func TestSelector_Resolve(t *testing.T) {
	doc := newTestResource("r1", "a", "b")

	rec, ok := selfSelector().Resolve(doc, "r1")
	require.True(t, ok)
	assert.Same(t, &doc.Record, rec)

	_, ok = selfSelector().Resolve(doc, "other")
	assert.False(t, ok)

	rec, ok = ownerSelector().Resolve(doc, "owner-r1")
	require.True(t, ok)
	assert.Same(t, &doc.Owner, rec)

	rec, ok = slotsSelector().Resolve(doc, "b")
	require.True(t, ok)
	assert.Same(t, &doc.Slots[1], rec, "collection elements resolve in place")

	_, ok = slotsSelector().Resolve(doc, "missing")
	assert.False(t, ok)

	_, ok = slotsSelector().Resolve(nil, "a")
	assert.False(t, ok)

	doc.Slots = append(doc.Slots, Record{ID: "b"})
	_, ok = slotsSelector().Resolve(doc, "b")
	assert.False(t, ok, "duplicate ids are ambiguous")
}

func TestSelector_Normalize(t *testing.T) {
	target, err := selfSelector().normalize("r1", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", target)

	target, err = selfSelector().normalize("r1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", target)

	_, err = selfSelector().normalize("r1", "r2")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = ownerSelector().normalize("r1", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = slotsSelector().normalize("", "a")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecord_Stale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(-time.Minute)

	var r Record
	assert.False(t, r.Locked())
	assert.False(t, r.Stale(now), "an unlocked record is free, not stale")

	r.setLease("lock-1", expiry)
	assert.True(t, r.Locked())
	assert.True(t, r.Holds("lock-1"))
	assert.False(t, r.Holds(""))
	assert.False(t, r.Holds("lock-2"))

	assert.True(t, r.Stale(expiry), "expiry equal to the bound is stale")
	assert.False(t, r.Stale(expiry.Add(-time.Nanosecond)))

	r.LeaseExpiry = nil
	assert.True(t, r.Stale(now), "a lock id without expiry is reclaimable")

	r.clearLease()
	assert.False(t, r.Locked())
	assert.Nil(t, r.LeaseExpiry)
}
