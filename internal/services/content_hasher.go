package services

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"knowledgeroute/internal/models"
)

// ContentHasher produces deterministic fingerprints of submitted content
type ContentHasher struct{}

// NewContentHasher creates a content hasher
func NewContentHasher() *ContentHasher {
	return &ContentHasher{}
}

// Fingerprint returns the SHA-256 of the normalized text.
// Case and whitespace differences do not change the fingerprint; punctuation does,
// so "3.14" and "314" or "C++" and "C" stay distinct.
func (h *ContentHasher) Fingerprint(content string) string {
	return h.calculateHash(h.normalizeContent(content))
}

// FingerprintSubmission covers the text plus attachment and link URLs,
// so the same text with a different image is a different cache key
func (h *ContentHasher) FingerprintSubmission(sub *models.Submission) string {
	parts := []string{h.normalizeContent(sub.Content)}

	var refs []string
	for _, f := range sub.Files {
		refs = append(refs, "file:"+strings.TrimSpace(f.URL))
	}
	for _, l := range sub.Links {
		refs = append(refs, "link:"+strings.TrimSpace(l.URL))
	}
	sort.Strings(refs)
	parts = append(parts, refs...)

	return h.calculateHash(strings.Join(parts, "\n"))
}

// CacheKey scopes a fingerprint to a user; island names differ between users
func (h *ContentHasher) CacheKey(userID, fingerprint string) string {
	return userID + ":" + fingerprint
}

// normalizeContent folds case and collapses whitespace runs to one space
func (h *ContentHasher) normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// calculateHash calculates SHA-256 hash of content
func (h *ContentHasher) calculateHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
