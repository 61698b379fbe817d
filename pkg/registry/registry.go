package registry

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/model"
)

const table = "flags"

// Registry owns registered flag definitions. Identity is the full flag name, which is
// unique across namespaces because overrides and payloads address flags by it.
type Registry struct {
	mx     sync.Mutex // serializes sequence assignment
	seq    uint64
	db     *memdb.MemDB
	logger *log.Entry
}

func New(logger *log.Entry) *Registry {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"namespace": {
						Name:         "namespace",
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Namespace"},
					},
					"seq": {
						Name:    "seq",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "Seq"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Registry{
		db:     db,
		logger: logger.WithField("component", "registry"),
	}
}

// Register adds all definitions to the namespace atomically: either every definition is
// registered or, on the first duplicate or invalid name, none is.
//
// A flag's full name is its namespace and name joined by ".", and configuration payloads
// and overrides are keyed by full name. Names containing "." are rejected with
// model.ErrInvalidName since "a.b" in namespace "x" and "b" in namespace "x.a" would share
// the key "x.a.b". Namespaces may contain dots.
func (r *Registry) Register(namespace string, defs ...model.FlagDefinition) ([]model.FlagDefinition, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	txn := r.db.Txn(true)
	defer txn.Abort()

	seq := r.seq
	registered := make([]model.FlagDefinition, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: flag name cannot be empty in namespace %q", model.ErrInvalidName, namespace)
		}
		if strings.Contains(def.Name, ".") {
			return nil, fmt.Errorf("%w: %q in namespace %q contains \".\"", model.ErrInvalidName, def.Name, namespace)
		}
		def.Namespace = namespace
		def.Key = def.FullName()

		existing, err := txn.First(table, "id", def.Key)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", def.Key, err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", model.ErrDuplicateFlag, def.Key)
		}

		seq++
		def.Seq = seq
		if err := txn.Insert(table, def); err != nil {
			return nil, fmt.Errorf("insert %s: %w", def.Key, err)
		}
		registered = append(registered, def)

		r.logger.Debug(fmt.Sprintf("registered %s flag %s", def.Kind, def.Key))
	}
	txn.Commit()
	r.seq = seq

	return registered, nil
}

// Lookup returns the definition registered under namespace and name.
func (r *Registry) Lookup(namespace, name string) (model.FlagDefinition, error) {
	return r.Get(model.FullName(namespace, name))
}

// Get returns the definition registered under its full name.
func (r *Registry) Get(fullName string) (model.FlagDefinition, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(table, "id", fullName)
	if err != nil {
		return model.FlagDefinition{}, fmt.Errorf("lookup %s: %w", fullName, err)
	}
	def, ok := raw.(model.FlagDefinition)
	if !ok {
		return model.FlagDefinition{}, fmt.Errorf("%w: %s", model.ErrFlagNotFound, fullName)
	}
	return def, nil
}

// All returns every definition in registration order.
func (r *Registry) All() []model.FlagDefinition {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(table, "seq")
	if err != nil {
		panic(err)
	}
	return collect(it, func(model.FlagDefinition) bool { return true })
}

// Namespace returns the definitions registered in a namespace, in registration order.
func (r *Registry) Namespace(namespace string) []model.FlagDefinition {
	if namespace == "" {
		// the empty namespace is not indexed
		txn := r.db.Txn(false)
		defer txn.Abort()
		it, err := txn.Get(table, "seq")
		if err != nil {
			panic(err)
		}
		return collect(it, func(def model.FlagDefinition) bool { return def.Namespace == "" })
	}

	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(table, "namespace", namespace)
	if err != nil {
		panic(err)
	}
	defs := collect(it, func(model.FlagDefinition) bool { return true })
	sortBySeq(defs)
	return defs
}

// Seq is the sequence number of the most recent registration.
func (r *Registry) Seq() uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.seq
}

func collect(it memdb.ResultIterator, keep func(model.FlagDefinition) bool) []model.FlagDefinition {
	var defs []model.FlagDefinition
	for obj := it.Next(); obj != nil; obj = it.Next() {
		def := obj.(model.FlagDefinition)
		if keep(def) {
			defs = append(defs, def)
		}
	}
	return defs
}

func sortBySeq(defs []model.FlagDefinition) {
	slices.SortFunc(defs, func(a, b model.FlagDefinition) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
