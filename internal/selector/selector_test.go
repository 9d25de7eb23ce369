package selector

import (
	"testing"

	"github.com/chronoledger/ledgerd/pkg/block"
	"github.com/chronoledger/ledgerd/pkg/tx"
	"github.com/chronoledger/ledgerd/pkg/types"
)

func candidateBlock(t *testing.T, prev types.Hash, height uint64, timestamp uint64, voters int, salt byte) *block.Block {
	t.Helper()
	voterAddrs := make([]types.Address, voters)
	for i := range voterAddrs {
		voterAddrs[i] = types.Address{byte(i + 1)}
	}
	coinbase := tx.NewBuilder().
		AddCoinbaseInput(tx.VoteProof{Target: types.Address{0x01}, Voters: voterAddrs}, tx.DelayParams{}).
		AddOutput(1, types.Address{0x01}).
		SetTimestamp(timestamp).
		Build()
	header := &block.Header{
		PrevHash:   prev,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()}),
		Height:     height,
		Timestamp:  timestamp,
	}
	header.Nonce = uint64(salt)
	header.SelfHash = header.ComputeHash()
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}

type fakeMerge struct {
	inserted *block.Block
	err      error
}

func (f *fakeMerge) Insert(b *block.Block) error {
	f.inserted = b
	return f.err
}

func TestSelector_FirstArrivalWins(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)

	b := candidateBlock(t, types.Hash{}, 1, 500, 1, 0)
	s.Compare(b)
	if s.Candidate() == nil || s.Candidate().Header.SelfHash != b.Header.SelfHash {
		t.Fatal("first arrival should become the candidate")
	}
}

func TestSelector_MoreVotesWins(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)

	b1 := candidateBlock(t, types.Hash{}, 1, 500, 1, 0x01)
	b2 := candidateBlock(t, types.Hash{}, 1, 500, 3, 0x02)
	s.Compare(b1)
	s.Compare(b2)

	if s.Candidate().Header.SelfHash != b2.Header.SelfHash {
		t.Error("block with more votes should replace the candidate")
	}
}

func TestSelector_EqualVotesEarlierTimestampWins(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)

	b1 := candidateBlock(t, types.Hash{}, 1, 450, 2, 0x01)
	b2 := candidateBlock(t, types.Hash{}, 1, 400, 2, 0x02)
	s.Compare(b1)
	s.Compare(b2)

	if s.Candidate().Header.SelfHash != b2.Header.SelfHash {
		t.Error("earlier timestamp should win on an equal vote count")
	}
}

func TestSelector_DifferentPrevHashIgnored(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)

	b1 := candidateBlock(t, types.Hash{0x01}, 1, 500, 1, 0x01)
	b2 := candidateBlock(t, types.Hash{0x02}, 1, 100, 5, 0x02)
	s.Compare(b1)
	s.Compare(b2)

	if s.Candidate().Header.SelfHash != b1.Header.SelfHash {
		t.Error("a candidate with a different prevHash must not replace the current one")
	}
}

func TestSelector_WrongHeightIgnored(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(5)

	b := candidateBlock(t, types.Hash{}, 3, 500, 1, 0)
	s.Compare(b)
	if s.Candidate() != nil {
		t.Error("a block at the wrong height must be ignored")
	}
}

func TestSelector_TimeoutRejectsFirstArrival(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)

	// deadline for height 1 = (1-1)*1000 + 0 + 500 = 500
	late := candidateBlock(t, types.Hash{}, 1, 9000, 1, 0)
	s.Compare(late)
	if s.Candidate() != nil {
		t.Error("a late first arrival should be rejected by the timeout rule")
	}
}

func TestSelector_CommitInsertsAndRefreshes(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)
	b := candidateBlock(t, types.Hash{}, 1, 500, 1, 0)
	s.Compare(b)

	merge := &fakeMerge{}
	committed, err := s.Commit(merge)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.Header.SelfHash != b.Header.SelfHash || merge.inserted.Header.SelfHash != b.Header.SelfHash {
		t.Error("Commit should insert the chosen candidate via merge")
	}
	if h, ok := s.Height(); !ok || h != 1 {
		t.Errorf("Height after Commit = (%d, %v), want (1, true)", h, ok)
	}
	if s.Candidate() != nil {
		t.Error("Commit should clear the candidate for the next round")
	}
}

func TestSelector_CommitNoCandidate(t *testing.T) {
	s := New(0, 1000, 500)
	s.Refresh(0)
	if _, err := s.Commit(&fakeMerge{}); err != ErrNoCandidate {
		t.Errorf("Commit with no candidate = %v, want ErrNoCandidate", err)
	}
}
