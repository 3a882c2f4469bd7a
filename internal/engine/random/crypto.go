package random

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrCommitmentMismatch = errors.New("revealed values do not match commitment")
	ErrUnknownCommitment  = errors.New("unknown commitment")
	ErrPeerValues         = errors.New("peer returned invalid values")
)

type GenerateRequest struct {
	Max        int    `json:"max"`
	Count      int    `json:"count"`
	Annotation string `json:"annotation"`
	Commitment string `json:"commitment"`
}

type VerifyRequest struct {
	Commitment string `json:"commitment"`
	Salt       string `json:"salt"`
	Values     []int  `json:"values"`
}

// Peer is the remote half of a commit/reveal draw.
type Peer interface {
	Generate(ctx context.Context, req GenerateRequest) ([]int, error)
	Verify(ctx context.Context, req VerifyRequest) error
}

// CryptoSource makes draws no single party can bias: the server commits to
// its values, a peer contributes values without seeing them, and the result
// is their sum modulo max. Without a peer it degrades to the local source.
type CryptoSource struct {
	local Source
	peer  func() Peer
}

// NewCryptoSource uses peer to choose the remote party for each draw; peer may
// return nil.
func NewCryptoSource(local Source, peer func() Peer) *CryptoSource {
	return &CryptoSource{local: local, peer: peer}
}

func (s *CryptoSource) Draw(ctx context.Context, max, count int, annotation string) (Draw, error) {
	if err := validate(max, count); err != nil {
		return Draw{}, err
	}
	var peer Peer
	if s.peer != nil {
		peer = s.peer()
	}
	local, err := s.local.Draw(ctx, max, count, annotation)
	if err != nil {
		return Draw{}, err
	}
	if peer == nil {
		return local, nil
	}

	var salt [16]byte
	if _, err := crand.Read(salt[:]); err != nil {
		return Draw{}, fmt.Errorf("read salt: %w", err)
	}
	commitment := Commit(salt[:], local.Values)

	remote, err := peer.Generate(ctx, GenerateRequest{Max: max, Count: count, Annotation: annotation, Commitment: commitment})
	if err != nil {
		return Draw{}, fmt.Errorf("peer generate: %w", err)
	}
	if len(remote) != count {
		return Draw{}, fmt.Errorf("%w: got %d values, want %d", ErrPeerValues, len(remote), count)
	}
	out := make([]int, count)
	for i := range out {
		if remote[i] < 0 || remote[i] >= max {
			return Draw{}, fmt.Errorf("%w: value %d out of [0,%d)", ErrPeerValues, remote[i], max)
		}
		out[i] = (local.Values[i] + remote[i]) % max
	}

	if err := peer.Verify(ctx, VerifyRequest{Commitment: commitment, Salt: hex.EncodeToString(salt[:]), Values: local.Values}); err != nil {
		return Draw{}, fmt.Errorf("peer verify: %w", err)
	}
	return Draw{Values: out, Commitment: commitment, Verified: true}, nil
}

// Commit returns the hex sha256 of salt followed by the big endian values.
func Commit(salt []byte, values []int) string {
	h := sha256.New()
	h.Write(salt)
	var b [8]byte
	for _, v := range values {
		binary.BigEndian.PutUint64(b[:], uint64(int64(v)))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RemoteRandom is the peer side run by a player's node. It remembers the
// commitments it answered until they are revealed.
type RemoteRandom struct {
	src Source

	mu      sync.Mutex
	pending map[string]pendingDraw
	checked int
}

type pendingDraw struct {
	max    int
	values []int
}

func NewRemoteRandom(src Source) *RemoteRandom {
	return &RemoteRandom{src: src, pending: make(map[string]pendingDraw)}
}

func (r *RemoteRandom) Generate(ctx context.Context, req GenerateRequest) ([]int, error) {
	if req.Commitment == "" {
		return nil, fmt.Errorf("%w: missing commitment", ErrInvalidRequest)
	}
	d, err := r.src.Draw(ctx, req.Max, req.Count, req.Annotation)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pending[req.Commitment] = pendingDraw{max: req.Max, values: d.Values}
	r.mu.Unlock()
	return append([]int(nil), d.Values...), nil
}

func (r *RemoteRandom) Verify(_ context.Context, req VerifyRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[req.Commitment]
	if !ok {
		return ErrUnknownCommitment
	}
	delete(r.pending, req.Commitment)
	salt, err := hex.DecodeString(req.Salt)
	if err != nil {
		return fmt.Errorf("%w: bad salt", ErrInvalidRequest)
	}
	if len(req.Values) != len(p.values) || Commit(salt, req.Values) != req.Commitment {
		return ErrCommitmentMismatch
	}
	for _, v := range req.Values {
		if v < 0 || v >= p.max {
			return ErrCommitmentMismatch
		}
	}
	r.checked++
	return nil
}

// Verified returns how many draws this peer has checked.
func (r *RemoteRandom) Verified() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checked
}
