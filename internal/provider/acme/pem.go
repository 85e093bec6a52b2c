package acme

import (
	"bytes"
	"encoding/pem"

	"github.com/go-acme/lego/v4/certcrypto"
)

// encodeChain turns a DER chain, leaf first, into one PEM bundle
func encodeChain(der [][]byte) []byte {
	var buf bytes.Buffer
	for _, b := range der {
		buf.Write(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(b)))
	}
	return buf.Bytes()
}

// splitChain separates the leaf from the issuer certificates of a bundle
func splitChain(bundle []byte) (leaf, chain string) {
	block, rest := pem.Decode(bundle)
	if block == nil {
		return "", ""
	}
	return string(pem.EncodeToMemory(block)), string(bytes.TrimLeft(rest, "\r\n"))
}
