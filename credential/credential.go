package credential

import (
	"fmt"

	"github.com/projecteru2/sprout/meta"
	"github.com/projecteru2/sprout/types"
	"github.com/projecteru2/sprout/utils"
)

const (
	// DefaultUser is the engine superuser the official image bootstraps.
	DefaultUser = "postgres"
	// PasswordLength is the size of generated passwords.
	PasswordLength = 32
)

// Manager decides the superuser credential of a new database.
//
// Clones and restores reuse their source's credential, since an initialized
// data directory ignores the bootstrap credential variables.
// TODO: rotate the carried credential once the new database is healthy.
type Manager struct {
	User   string
	Length int
}

// New returns a Manager with the default user and password length.
func New() *Manager {
	return &Manager{User: DefaultUser, Length: PasswordLength}
}

// Generate returns a fresh credential.
func (m *Manager) Generate() (types.Credential, error) {
	pw, err := utils.RandomPassword(m.Length)
	if err != nil {
		return types.Credential{}, fmt.Errorf("generate password: %w", err)
	}
	return types.Credential{Username: m.User, Password: pw}, nil
}

// Resolve returns the credential for spec, read from idx. It runs inside
// the reservation transaction so the source cannot change underneath it.
func (m *Manager) Resolve(idx *meta.Index, spec *types.CreateSpec) (types.Credential, error) {
	switch spec.CreationType {
	case types.CreationEmpty:
		return m.Generate()
	case types.CreationClone:
		src := idx.Databases[spec.SourceDatabase]
		if src == nil {
			return types.Credential{}, fmt.Errorf("source database %s: %w", spec.SourceDatabase, types.ErrSourceNotFound)
		}
		return src.Credential, nil
	case types.CreationSnapshotRestore:
		s := idx.Snapshots[spec.SourceSnapshot]
		if s == nil {
			return types.Credential{}, fmt.Errorf("source snapshot %s: %w", spec.SourceSnapshot, types.ErrSourceNotFound)
		}
		owner := idx.Databases[s.DatabaseID]
		if owner == nil {
			return types.Credential{}, fmt.Errorf("owner %s of snapshot %s: %w", s.DatabaseID, s.FullName(), types.ErrSourceNotFound)
		}
		return owner.Credential, nil
	default:
		return types.Credential{}, types.Invalidf("unknown creation type %q", spec.CreationType)
	}
}
