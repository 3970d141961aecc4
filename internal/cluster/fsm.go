package cluster

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
)

// InvalidateFunc es invocado por el FSM cuando se aplica una mutación de
// invalidación de caché. Normalmente apunta al Invalidate del caché
// per-API del Gateway Client.
type InvalidateFunc func(apiID string)

// FSM aplica mutaciones de invalidación de caché replicadas por Raft.
type FSM struct {
	invalidate InvalidateFunc
}

// NewFSM crea un FSM que llama a invalidate cada vez que se aplica una
// MutationInvalidateAPICache. invalidate puede ser nil, útil en pruebas de
// bootstrap de Raft donde no importa el efecto de negocio.
func NewFSM(invalidate InvalidateFunc) *FSM {
	return &FSM{invalidate: invalidate}
}

// Apply decodifica la mutación y ejecuta el efecto correspondiente.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return nil
	}
	var m Mutation
	if err := json.Unmarshal(l.Data, &m); err != nil {
		return err
	}
	switch m.Type {
	case MutationInvalidateAPICache:
		if f.invalidate != nil {
			f.invalidate(m.Key)
		}
		return nil
	default:
		return nil
	}
}

// Snapshot no persiste estado propio: el único estado es el caché en memoria
// de cada réplica, que se reconstruye por lectura directa tras invalidarse.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

// Restore no tiene nada que restaurar por el mismo motivo.
func (f *FSM) Restore(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	defer rc.Close()
	_, err := io.Copy(io.Discard, rc)
	return err
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (emptySnapshot) Release()                             {}
