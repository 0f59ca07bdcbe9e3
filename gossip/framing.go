package gossip

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync/atomic"
)

func writeJSONLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func readJSONLine(r *bufio.Reader, out interface{}) error {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes.TrimSpace(line), out)
}

func loadDropped(s *subscription) uint64 {
	return atomic.LoadUint64(&s.dropped)
}
