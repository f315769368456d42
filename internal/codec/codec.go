// Package codec frames notices for the wire. A frame is a CBOR array
//
//	[version, sealed, payload]
//
// where payload is the CBOR notice body, sealed by an auth.Session when
// sealed is true.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"firestige.xyz/zephyr/internal/core"
	"firestige.xyz/zephyr/internal/core/auth"
	"firestige.xyz/zephyr/internal/metrics"
)

// Version is the only frame version understood.
const Version = 1

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Version uint
	Sealed  bool
	Payload []byte
}

var (
	envEncMode cbor.EncMode
	envDecMode cbor.DecMode
)

func init() {
	var err error
	if envEncMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{MaxArrayElements: 16}
	if envDecMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Codec encodes and parses notice frames. The zero Codec handles unsealed
// notices only.
type Codec struct {
	// Session seals outbound notices and opens sealed inbound ones.
	Session *auth.Session
	// RequireAuth rejects unsealed inbound notices.
	RequireAuth bool
}

// Marshal frames n, sealing it when seal is true.
func (c *Codec) Marshal(n *core.Notice, seal bool) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	if seal {
		if c.Session == nil {
			return nil, errors.New("codec: sealing requires a session")
		}
		payload, err = c.Session.SealNotice(n)
	} else {
		payload, err = core.MarshalNotice(n)
	}
	if err != nil {
		return nil, err
	}
	return envEncMode.Marshal(envelope{Version: Version, Sealed: seal, Payload: payload})
}

// Parse decodes a frame. b is only read; the notice never aliases it.
// Malformed frames fail with core.ErrParse; frames that cannot be
// authenticated fail with core.ErrAuthFailure.
func (c *Codec) Parse(b []byte) (*core.Notice, error) {
	var env envelope
	if err := envDecMode.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: frame: %v", core.ErrParse, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported frame version %d", core.ErrParse, env.Version)
	}

	if !env.Sealed {
		if c.RequireAuth {
			metrics.CodecAuthFailuresTotal.Inc()
			return nil, fmt.Errorf("unsealed notice: %w", core.ErrAuthFailure)
		}
		return core.UnmarshalNotice(env.Payload)
	}

	if c.Session == nil {
		metrics.CodecAuthFailuresTotal.Inc()
		return nil, fmt.Errorf("sealed notice without session key: %w", core.ErrAuthFailure)
	}
	n, err := c.Session.OpenNotice(env.Payload)
	if errors.Is(err, core.ErrAuthFailure) {
		metrics.CodecAuthFailuresTotal.Inc()
	}
	return n, err
}
