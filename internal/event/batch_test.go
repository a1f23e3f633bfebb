package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(typ Type, from string, pos int64) *Record {
	return &Record{Type: typ, FromPath: from, Pos: Position{File: 1, Offset: pos}}
}

func renameRec(from, to string, pos int64) *Record {
	r := rec(Rename, from, pos)
	r.ToPath = to
	return r
}

func TestBatchInternsPaths(t *testing.T) {
	b := NewBatch(1024, 16)
	require.NoError(t, b.Add(rec(Create, "/a", 10)))
	require.NoError(t, b.Add(rec(ChangeData, "/a", 20)))
	require.NoError(t, b.Add(renameRec("/a", "/b", 30)))

	assert.Equal(t, 2, b.Interned())
	assert.Equal(t, b.At(0).Event.From, b.At(1).Event.From)
	assert.Equal(t, b.At(0).Event.From, b.At(2).Event.From)
	assert.Equal(t, "/b", b.Path(b.At(2).Event.To))
	assert.Equal(t, NoName, b.At(0).Event.To)
	assert.Equal(t, 1024-len("/a\x00/b\x00"), b.Remaining())
}

func TestBatchBudget(t *testing.T) {
	b := NewBatch(8, 16)
	require.NoError(t, b.Add(rec(Create, "/abc", 1)))     // 5 bytes
	require.NoError(t, b.Add(rec(ChangeMeta, "/abc", 2))) // interned, free
	assert.ErrorIs(t, b.Add(rec(Create, "/defg", 3)), ErrBufferExhausted)
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Full())
}

func TestBatchOversizedFirstRecord(t *testing.T) {
	b := NewBatch(4, 16)
	require.NoError(t, b.Add(rec(Create, "/a/very/long/path", 1)))
	assert.True(t, b.Oversized())
	assert.True(t, b.Full())
	assert.Equal(t, 0, b.Remaining())
	assert.ErrorIs(t, b.Add(rec(Create, "/x", 2)), ErrBufferExhausted)
}

func TestBatchMaxEvents(t *testing.T) {
	b := NewBatch(1024, 2)
	require.NoError(t, b.Add(rec(Create, "/a", 1)))
	require.NoError(t, b.Add(rec(Create, "/b", 2)))
	assert.True(t, b.Full())
	assert.ErrorIs(t, b.Add(rec(Create, "/c", 3)), ErrBatchFull)
}

func TestBatchRecordRoundTrip(t *testing.T) {
	b := NewBatch(1024, 4)
	in := renameRec("/a", "/b", 42)
	in.StatValid = true
	in.Size = 100
	in.FileType = Regular
	require.NoError(t, b.Add(in))

	out := b.Record(0)
	assert.Equal(t, *in, out)
}

func TestBatchReset(t *testing.T) {
	b := NewBatch(6, 4)
	require.NoError(t, b.Add(rec(Create, "/abcdefgh", 1)))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Interned())
	assert.False(t, b.Oversized())
	assert.Equal(t, 6, b.Remaining())
}

func TestProgressPrefix(t *testing.T) {
	b := NewBatch(1024, 8)
	for i := range 4 {
		require.NoError(t, b.Add(rec(Create, "/f", int64(100*(i+1)))))
	}

	p := NewProgress(b)
	_, ok := p.Done(2)
	assert.False(t, ok, "seq 0 not yet consumed")

	pos, ok := p.Done(0)
	require.True(t, ok)
	assert.Equal(t, Position{File: 1, Offset: 100}, pos)

	pos, ok = p.Done(1)
	require.True(t, ok)
	assert.Equal(t, Position{File: 1, Offset: 300}, pos, "prefix extends through seq 2")

	pos, ok = p.Done(3)
	require.True(t, ok)
	assert.Equal(t, Position{File: 1, Offset: 400}, pos)
}
