package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

const (
	tagSpace       = 100000
	maxTagAttempts = 1000

	// GrandVaultTag is reserved for the relay vault and never handed out.
	GrandVaultTag uint64 = 1
)

type tagChecker interface {
	TagExists(ctx context.Context, tag uint64) (bool, error)
}

func candidateTag(seed string, counter int) uint64 {
	input := seed
	if counter > 0 {
		input = seed + ":" + strconv.Itoa(counter)
	}
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8]) % tagSpace
}

// NewTag derives a vault tag from seed, retrying with a counter suffix until
// it finds one no vault uses. Tags 0 and 1 are never returned.
func NewTag(ctx context.Context, tags tagChecker, seed string) (uint64, error) {
	for counter := 0; counter < maxTagAttempts; counter++ {
		tag := candidateTag(seed, counter)
		if tag == 0 || tag == GrandVaultTag {
			continue
		}
		exists, err := tags.TagExists(ctx, tag)
		if err != nil {
			return 0, fmt.Errorf("failed to check tag: %w", err)
		}
		if !exists {
			zap.L().Debug("Generated vault tag", zap.Uint64("tag", tag), zap.Int("attempts", counter+1))
			return tag, nil
		}
	}
	return 0, fmt.Errorf("no free tag after %d attempts", maxTagAttempts)
}
