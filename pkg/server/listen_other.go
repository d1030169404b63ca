//go:build !linux

package server

import "github.com/rs/zerolog/log"

func logListenBacklog(addr string) {
	log.Info().Str("addr", addr).Msg("relay listening")
}

// monitorListenOverflows has nothing to watch outside Linux
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
