package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := E(KindPrivilege, "start", errors.New("euid 1000"))
	wrapped := fmt.Errorf("[Service] start: %w", err)

	assert.True(t, errors.Is(wrapped, ErrPrivilege))
	assert.False(t, errors.Is(wrapped, ErrRoute))
	assert.Equal(t, KindPrivilege, KindOf(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.Contains(t, err.Error(), "TUN_ERROR_ADMIN")
	assert.Contains(t, err.Error(), "euid 1000")
}

func TestErrorNonFatalKinds(t *testing.T) {
	for _, k := range []ErrorKind{KindProxyUnavailable, KindSocks5Protocol, KindMalformedPacket, KindPoolExhausted} {
		assert.False(t, IsFatal(E(k, "", nil)), k.String())
	}
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, "[TUN_ERROR_NO_PROXY] start", E(KindProxyUnavailable, "start", nil).Error())
}
