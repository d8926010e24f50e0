// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"

	"github.com/rivermdb/driver/bson"
)

func newMongoDBCRAuthenticator(cred *Cred) (Authenticator, error) {
	if cred.Source == "" {
		return nil, newAuthError("MONGODB-CR requires a source database", MONGODBCR, nil)
	}
	return &mongoDBCRAuthenticator{cred: cred}, nil
}

// mongoDBCRAuthenticator implements the legacy getnonce/authenticate
// challenge: a server nonce is combined with an MD5 hash of
// "username:mongo:password" and hashed again with the nonce, the scheme
// MongoDB used before SCRAM-SHA-1 became the default (spec §5.1).
type mongoDBCRAuthenticator struct {
	cred *Cred
}

type getNonceResult struct {
	Nonce string `bson:"nonce"`
}

func (a *mongoDBCRAuthenticator) Auth(ctx context.Context, cfg *Config) error {
	if skipArbiter(cfg) {
		return nil
	}

	reply, err := runCommand(ctx, cfg, a.cred.Source, bson.D{{Key: "getnonce", Value: int32(1)}})
	if err != nil {
		return newAuthError("getnonce failed", MONGODBCR, err)
	}
	var nonceResult getNonceResult
	if err := bson.Unmarshal(reply, &nonceResult); err != nil {
		return newAuthError("malformed getnonce reply", MONGODBCR, err)
	}

	digest := mongoDBCRDigest(a.cred.Username, a.cred.Password, nonceResult.Nonce)

	_, err = runCommand(ctx, cfg, a.cred.Source, bson.D{
		{Key: "authenticate", Value: int32(1)},
		{Key: "user", Value: a.cred.Username},
		{Key: "nonce", Value: nonceResult.Nonce},
		{Key: "key", Value: digest},
	})
	if err != nil {
		return newAuthError("authenticate failed", MONGODBCR, err)
	}
	return nil
}

func mongoDBCRDigest(username, password, nonce string) string {
	h := md5.New()
	h.Write([]byte(username))
	h.Write([]byte(":mongo:"))
	h.Write([]byte(password))
	passwordDigest := hex.EncodeToString(h.Sum(nil))

	h = md5.New()
	h.Write([]byte(nonce))
	h.Write([]byte(username))
	h.Write([]byte(passwordDigest))
	return hex.EncodeToString(h.Sum(nil))
}
