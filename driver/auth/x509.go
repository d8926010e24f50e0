// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/youmark/pkcs8"

	"github.com/rivermdb/driver/bson"
)

// newMongoDBX509Authenticator resolves the "user" field MONGODB-X509 sends
// with its single authenticate command. If cred.Username is already set
// (the common case: the caller read the Subject DN out-of-band) it is used
// as-is; otherwise, if cred.Props carries a client certificate/key pair, the
// Subject DN is derived from the certificate, decrypting the key first if
// it is password-protected, so the cert and the credential can never name
// different identities.
func newMongoDBX509Authenticator(cred *Cred) (Authenticator, error) {
	username := cred.Username
	if username == "" && cred.Props != nil && cred.Props["certificatePEM"] != "" {
		dn, err := subjectDNFromPEM([]byte(cred.Props["certificatePEM"]), []byte(cred.Props["keyPEM"]), cred.Props["keyPassword"])
		if err != nil {
			return nil, fmt.Errorf("auth: MONGODB-X509: %w", err)
		}
		username = dn
	}
	return &mongoDBX509Authenticator{cred: cred, username: username}, nil
}

// subjectDNFromPEM reads the Subject DN off a PEM-encoded client
// certificate, decrypting the paired PKCS8 private key first (via
// github.com/youmark/pkcs8, which unlike the stdlib x509 package
// understands PKCS8's PBES2 encryption scheme) purely to confirm the
// certificate and key belong together before trusting the DN extracted
// from it.
func subjectDNFromPEM(certPEM, keyPEM []byte, keyPassword string) (string, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return "", fmt.Errorf("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}

	if len(keyPEM) > 0 {
		keyBlock, _ := pem.Decode(keyPEM)
		if keyBlock == nil {
			return "", fmt.Errorf("no PEM block found in private key")
		}
		var key interface{}
		if keyPassword != "" {
			if key, err = pkcs8.ParsePKCS8PrivateKey(keyBlock.Bytes, []byte(keyPassword)); err != nil {
				return "", fmt.Errorf("decrypt PKCS8 private key: %w", err)
			}
		} else {
			if key, err = pkcs8.ParsePKCS8PrivateKey(keyBlock.Bytes); err != nil {
				return "", fmt.Errorf("parse PKCS8 private key: %w", err)
			}
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return "", fmt.Errorf("unsupported private key type %T", key)
		}
		pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
		if !ok || !pub.Equal(cert.PublicKey) {
			return "", fmt.Errorf("private key does not match certificate")
		}
	}

	return cert.Subject.String(), nil
}

// mongoDBX509Authenticator authenticates using the client certificate
// already presented during the TLS handshake; the "user" field is the
// certificate's subject DN, either given in cred.Username or derived from
// cred.Props by newMongoDBX509Authenticator. Certificate validation itself
// is conn's TLS layer's job, not auth's.
type mongoDBX509Authenticator struct {
	cred     *Cred
	username string
}

func (a *mongoDBX509Authenticator) Auth(ctx context.Context, cfg *Config) error {
	if skipArbiter(cfg) {
		return nil
	}

	cmd := bson.D{{Key: "authenticate", Value: int32(1)}, {Key: "mechanism", Value: MongoDBX509}}
	if a.username != "" {
		cmd = append(cmd, bson.E{Key: "user", Value: a.username})
	}

	_, err := runCommand(ctx, cfg, "$external", cmd)
	if err != nil {
		return newAuthError("authenticate failed", MongoDBX509, err)
	}
	return nil
}
