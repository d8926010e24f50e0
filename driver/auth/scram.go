// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/xdg-go/pbkdf2"
	"github.com/xdg-go/stringprep"
	"golang.org/x/sync/singleflight"
)

func newScramSHA1Authenticator(cred *Cred) (Authenticator, error) {
	passprep, err := stringprep.Password(cred.Password)
	if err != nil {
		// SASLprep rejected some character in the password: fall back to
		// the raw password rather than refusing to authenticate, matching
		// the reference driver's tolerance of pre-RFC4013 credentials.
		passprep = cred.Password
	}
	return &scramSHA1Authenticator{cred: cred, password: passprep}, nil
}

// scramSHA1Authenticator implements RFC 5802 SCRAM-SHA-1 over SASL, the
// default mechanism (spec §5.2) a server negotiates when no explicit
// mechanism is given. The expensive PBKDF2 derivation of the salted
// password is memoized across authenticators by saltedPasswordCache, since
// a connection pool authenticating many connections for the same user
// against the same server repeats the identical (password, salt,
// iterations) derivation on every single one.
type scramSHA1Authenticator struct {
	cred     *Cred
	password string

	clientNonce      string
	clientFirstBare  string
	serverSignature  []byte
	step             int
	done             bool
}

var _ SaslClient = (*scramSHA1Authenticator)(nil)

func (a *scramSHA1Authenticator) Auth(ctx context.Context, cfg *Config) error {
	if skipArbiter(cfg) {
		return nil
	}
	return ConductSaslConversation(ctx, cfg, a.cred.Source, a)
}

func (a *scramSHA1Authenticator) Start() (string, []byte, error) {
	nonceBytes := make([]byte, 24)
	if _, err := rand.Read(nonceBytes); err != nil {
		return SCRAMSHA1, nil, err
	}
	a.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)
	a.clientFirstBare = fmt.Sprintf("n=%s,r=%s", escapeSaslName(a.cred.Username), a.clientNonce)
	return SCRAMSHA1, []byte("n,," + a.clientFirstBare), nil
}

func (a *scramSHA1Authenticator) Next(challenge []byte) ([]byte, error) {
	switch a.step {
	case 0:
		return a.handleServerFirst(challenge)
	case 1:
		return a.handleServerFinal(challenge)
	default:
		return []byte{}, nil
	}
}

func (a *scramSHA1Authenticator) Completed() bool { return a.done }

func (a *scramSHA1Authenticator) handleServerFirst(challenge []byte) ([]byte, error) {
	serverFirstMessage := string(challenge)
	fields, err := parseSaslFields(serverFirstMessage)
	if err != nil {
		return nil, err
	}

	combinedNonce := fields["r"]
	if !strings.HasPrefix(combinedNonce, a.clientNonce) {
		return nil, fmt.Errorf("auth: server nonce does not extend client nonce")
	}
	salt, err := base64.StdEncoding.DecodeString(fields["s"])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM salt: %w", err)
	}
	iterations, err := strconv.Atoi(fields["i"])
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("auth: malformed SCRAM iteration count")
	}

	saltedPassword := saltedPasswordCache.derive(a.password, salt, iterations)

	clientKey := hmacSHA1(saltedPassword, []byte("Client Key"))
	storedKey := sha1Sum(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("c=%s,r=%s", channelBinding, combinedNonce)
	authMessage := a.clientFirstBare + "," + serverFirstMessage + "," + clientFinalWithoutProof

	clientSignature := hmacSHA1(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverKey := hmacSHA1(saltedPassword, []byte("Server Key"))
	a.serverSignature = hmacSHA1(serverKey, []byte(authMessage))

	a.step = 1
	final := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(final), nil
}

func (a *scramSHA1Authenticator) handleServerFinal(challenge []byte) ([]byte, error) {
	fields, err := parseSaslFields(string(challenge))
	if err != nil {
		return nil, err
	}
	if errMsg, ok := fields["e"]; ok {
		return nil, fmt.Errorf("auth: server rejected SCRAM conversation: %s", errMsg)
	}
	gotSignature, err := base64.StdEncoding.DecodeString(fields["v"])
	if err != nil {
		return nil, fmt.Errorf("auth: malformed SCRAM server signature: %w", err)
	}
	if !hmac.Equal(gotSignature, a.serverSignature) {
		return nil, fmt.Errorf("auth: SCRAM server signature mismatch")
	}
	a.done = true
	a.step = 2
	return []byte{}, nil
}

// parseSaslFields splits a SCRAM message of the form "k1=v1,k2=v2,..." into
// a map; values are not further unescaped since none of the fields this
// driver reads (r, s, i, v, e) use the comma/equals-sign escaping that only
// applies to the username.
func parseSaslFields(msg string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("auth: malformed SCRAM message field %q", part)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// escapeSaslName escapes a SCRAM "saslname" per RFC 5802 §5.1: '=' must be
// escaped first so the escape sequence for ',' doesn't get re-escaped.
func escapeSaslName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	name = strings.ReplaceAll(name, ",", "=2C")
	return name
}

func hmacSHA1(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha1Sum(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// pbkdf2Cache memoizes the PBKDF2-HMAC-SHA1 salted-password derivation
// keyed on (password, salt, iterations), using singleflight so concurrent
// authentications for the same credentials against the same server collapse
// into one derivation instead of each paying the full PBKDF2 cost.
type pbkdf2Cache struct {
	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]byte
}

var saltedPasswordCache = &pbkdf2Cache{cache: map[string][]byte{}}

func (c *pbkdf2Cache) derive(password string, salt []byte, iterations int) []byte {
	key := fmt.Sprintf("%s:%x:%d", password, salt, iterations)

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		derived := pbkdf2.Key([]byte(password), salt, iterations, sha1.Size, sha1.New)
		c.mu.Lock()
		c.cache[key] = derived
		c.mu.Unlock()
		return derived, nil
	})
	return v.([]byte)
}
