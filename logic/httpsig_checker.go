package logic

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"github.com/go-fed/httpsig"
	"net/http"
	"regexp"
	"strings"
	"waxwing/dal"
	"waxwing/shared"
)

type IHttpSigChecker interface {
	Check(actor string, w http.ResponseWriter, r *http.Request) (*dal.Actor, string, error)
}

type httpSigChecker struct {
	logger  shared.ILogger
	actors  IActorCache
	reKeyId *regexp.Regexp
}

func NewHttpSigChecker(logger shared.ILogger, actors IActorCache) IHttpSigChecker {
	reKeyId := regexp.MustCompile("keyId=['\"]([^'\"]+)['\"]")
	return &httpSigChecker{logger, actors, reKeyId}
}

func (chk *httpSigChecker) Check(actor string, w http.ResponseWriter, r *http.Request) (*dal.Actor, string, error) {

	var err error

	var sigHeader = r.Header.Get("Signature")
	groups := chk.reKeyId.FindStringSubmatch(sigHeader)
	if groups == nil {
		return nil, "Missing or invalid 'Signature' header", nil
	}
	keyId := groups[1]

	if !strings.HasPrefix(keyId, actor) {
		return nil, fmt.Sprintf("Actor is not prefix of keyId; actor: %s, keyId: %s", actor, keyId), nil
	}

	var actorRec *dal.Actor
	if actorRec, err = chk.actors.Resolve(actor); err != nil {
		if IsResolutionError(err) {
			return nil, fmt.Sprintf("Failed to resolve actor: %s: %v", actor, err), nil
		}
		return nil, "", err
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		chk.logger.Errorf("Failed to create signature verifier: %v", err)
		return nil, "", err
	}

	block, _ := pem.Decode([]byte(actorRec.PubKey))
	if block == nil {
		return nil, fmt.Sprintf("Sender's public key is not PEM; actor: %s", actor), nil
	}

	// Most servers publish PKIX; our own keys are PKCS#1.
	var pubKey interface{}
	if pubKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		if pubKey, err = x509.ParsePKCS1PublicKey(block.Bytes); err != nil {
			return nil, fmt.Sprintf("Failed to parse sender's public key: %v", err), nil
		}
	}

	if err = verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return nil, fmt.Sprintf("Incorrect signature: %v", err), nil
	}

	return actorRec, "", nil
}
