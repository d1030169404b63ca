package crypto

// EncryptAtRest seals a message body for storage. The at-rest key is unrelated to
// any transport key, so a database dump reveals nothing a client key could open.
func (s *Service) EncryptAtRest(plaintext []byte) (Sealed, error) {
	return seal(s.atRest, plaintext)
}

// DecryptAtRest opens a stored message body.
func (s *Service) DecryptAtRest(sealed Sealed) ([]byte, error) {
	return open(s.atRest, sealed)
}
