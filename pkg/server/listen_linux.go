//go:build linux

package server

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// logListenBacklog logs the kernel's listen backlog limit
func logListenBacklog(addr string) {
	somaxconn := readSysctlInt("/proc/sys/net/core/somaxconn")

	log.Info().Str("addr", addr).Int("somaxconn", somaxconn).Msg("relay listening")
	if somaxconn > 0 && somaxconn < 4096 {
		log.Warn().Int("somaxconn", somaxconn).Msg("net.core.somaxconn may be too low for reconnect storms")
	}
}

func readSysctlInt(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// monitorListenOverflows periodically checks for listen queue overflows
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				log.Warn().
					Uint64("rejected", overflows-lastOverflows).
					Uint64("total", overflows).
					Msg("connections rejected due to listen backlog overflow")
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	var headers, values []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
		} else {
			values = fields[1:]
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, _ := strconv.ParseUint(values[i], 10, 64)
			return n
		}
	}
	return 0
}
