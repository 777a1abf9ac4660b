// Package mapper resolves source folders and labels to destination folders,
// creating what is missing and remembering every decision per job.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/retry"
)

// systemLabels recognizes a source system folder by its id or name
var systemLabels = map[string]string{
	"INBOX":            mail.SystemInbox,
	"Inbox":            mail.SystemInbox,
	"SENT":             mail.SystemSent,
	"Sent":             mail.SystemSent,
	"Sent Items":       mail.SystemSent,
	"Sent Messages":    mail.SystemSent,
	"DRAFT":            mail.SystemDrafts,
	"Draft":            mail.SystemDrafts,
	"Drafts":           mail.SystemDrafts,
	"TRASH":            mail.SystemTrash,
	"Trash":            mail.SystemTrash,
	"Deleted Items":    mail.SystemTrash,
	"Deleted Messages": mail.SystemTrash,
	"SPAM":             mail.SystemSpam,
	"Spam":             mail.SystemSpam,
	"Junk":             mail.SystemSpam,
	"Junk Email":       mail.SystemSpam,
	"Bulk Mail":        mail.SystemSpam,
	"IMPORTANT":        mail.SystemImportant,
	"STARRED":          mail.SystemStarred,
	"Archive":          mail.SystemArchive,
}

// SystemLabel returns the well-known label of a system folder
func SystemLabel(f mail.Folder) (string, bool) {
	if !f.System {
		return "", false
	}
	if label, ok := systemLabels[f.ID]; ok {
		return label, true
	}
	label, ok := systemLabels[f.Name]
	return label, ok
}

// DefaultFlattenFolder receives everything when folder structure is not preserved
const DefaultFlattenFolder = "Imported"

// Entry is one source-to-destination decision
type Entry struct {
	SourceID   string `json:"source_id"`
	SourceName string `json:"source_name"`
	DestID     string `json:"dest_id"`
	DestName   string `json:"dest_name"`
}

// Mapping is keyed by source folder id
type Mapping map[string]Entry

// Store persists mappings. SaveMapping must never overwrite an existing
// entry for the same job and source folder.
type Store interface {
	LoadMappings(ctx context.Context, jobID string) ([]Entry, error)
	SaveMapping(ctx context.Context, jobID string, e Entry) error
}

// MappingFailedError excludes one source folder from the job
type MappingFailedError struct {
	SourceFolderID string
	Name           string
	Err            error
}

func (e *MappingFailedError) Error() string {
	return fmt.Sprintf("mapping failed for folder %s (%s): %v", e.SourceFolderID, e.Name, e.Err)
}

func (e *MappingFailedError) Unwrap() error {
	return e.Err
}

// Config wires a Mapper
type Config struct {
	JobID       string
	Destination mail.Client
	Store       Store
	Policy      retry.Policy
	// Refresher renews the destination credential; may be nil
	Refresher retry.Refresher
	Hooks     retry.Hooks
	// FlattenTo, when set, sends every source folder to this one folder
	FlattenTo string
}

// Mapper is safe for concurrent use; Resolve calls are serialized
type Mapper struct {
	mutex   sync.Mutex
	cfg     Config
	mapping Mapping
	loaded  bool
}

// New creates a Mapper
func New(cfg Config) *Mapper {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	return &Mapper{cfg: cfg, mapping: Mapping{}}
}

// TargetName is the destination folder name for f. System folders take
// the destination's own name when it advertises one.
func (m *Mapper) TargetName(f mail.Folder) string {
	if m.cfg.FlattenTo != "" {
		return m.cfg.FlattenTo
	}
	if label, ok := SystemLabel(f); ok {
		if namer, ok := m.cfg.Destination.(mail.SystemFolderNamer); ok {
			if name, ok := namer.SystemFolderName(label); ok {
				return name
			}
		}
	}
	return f.Name
}

// Resolve maps every folder in folders. Already-mapped folders are returned
// as they are; the rest reuse a destination folder of the same name or get
// one created. Folders whose creation fails are reported in the second
// return value and left unmapped. The error is non-nil only when the
// destination can no longer be used at all.
func (m *Mapper) Resolve(ctx context.Context, folders []mail.Folder) (Mapping, []*MappingFailedError, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.loaded {
		entries, err := m.cfg.Store.LoadMappings(ctx, m.cfg.JobID)
		if err != nil {
			return nil, nil, fmt.Errorf("load mappings: %w", err)
		}
		for _, e := range entries {
			m.mapping[e.SourceID] = e
		}
		m.loaded = true
	}

	var pending []mail.Folder
	for _, f := range folders {
		if _, ok := m.mapping[f.ID]; !ok {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return m.copyMapping(), nil, nil
	}

	idx, err := m.destinationIndex(ctx)
	if err != nil {
		return m.copyMapping(), nil, err
	}

	var failed []*MappingFailedError
	for _, f := range pending {
		name := m.TargetName(f)
		destID, ok := idx.byName[name]
		if label, sys := SystemLabel(f); !ok && sys && m.cfg.FlattenTo == "" {
			if d, found := idx.byLabel[label]; found {
				destID, name, ok = d.ID, d.Name, true
			}
		}
		if !ok {
			destID, err = m.create(ctx, name)
			if err != nil {
				if retry.IsFatal(err) || errors.Is(err, context.Canceled) {
					return m.copyMapping(), failed, err
				}
				log.Warn().Err(err).Str("job_id", m.cfg.JobID).Str("folder_id", f.ID).Msg("folder mapping failed")
				failed = append(failed, &MappingFailedError{SourceFolderID: f.ID, Name: f.Name, Err: err})
				continue
			}
			idx.byName[name] = destID
		}

		e := Entry{SourceID: f.ID, SourceName: f.Name, DestID: destID, DestName: name}
		if err := m.cfg.Store.SaveMapping(ctx, m.cfg.JobID, e); err != nil {
			return m.copyMapping(), failed, fmt.Errorf("save mapping %s: %w", f.ID, err)
		}
		m.mapping[f.ID] = e
	}
	return m.copyMapping(), failed, nil
}

// Mapping returns the decisions made so far
func (m *Mapper) Mapping() Mapping {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.copyMapping()
}

func (m *Mapper) copyMapping() Mapping {
	out := make(Mapping, len(m.mapping))
	for k, v := range m.mapping {
		out[k] = v
	}
	return out
}

type folderIndex struct {
	byName map[string]string
	// system folders of the destination by well-known label
	byLabel map[string]mail.Folder
}

// destinationIndex lists the destination once. A listing failure that is
// not fatal leaves the index empty; CreateFolder still reports existing
// folders through AlreadyExistsError.
func (m *Mapper) destinationIndex(ctx context.Context) (folderIndex, error) {
	var existing []mail.Folder
	err := m.cfg.Policy.Do(ctx, m.cfg.Refresher, m.cfg.Hooks, func(ctx context.Context) error {
		var err error
		existing, err = m.cfg.Destination.ListFolders(ctx)
		return err
	})
	if err != nil {
		if retry.IsFatal(err) || errors.Is(err, context.Canceled) {
			return folderIndex{}, fmt.Errorf("list destination folders: %w", err)
		}
		log.Warn().Err(err).Str("job_id", m.cfg.JobID).Msg("list destination folders failed, creating blind")
	}

	idx := folderIndex{
		byName:  make(map[string]string, len(existing)),
		byLabel: make(map[string]mail.Folder),
	}
	for _, f := range existing {
		if _, dup := idx.byName[f.Name]; !dup {
			idx.byName[f.Name] = f.ID
		}
		if label, ok := SystemLabel(f); ok {
			if _, dup := idx.byLabel[label]; !dup {
				idx.byLabel[label] = f
			}
		}
	}
	return idx, nil
}

func (m *Mapper) create(ctx context.Context, name string) (string, error) {
	var id string
	err := m.cfg.Policy.Do(ctx, m.cfg.Refresher, m.cfg.Hooks, func(ctx context.Context) error {
		created, err := m.cfg.Destination.CreateFolder(ctx, name)
		var exists *mail.AlreadyExistsError
		if errors.As(err, &exists) {
			id = exists.FolderID
			return nil
		}
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	log.Info().Str("job_id", m.cfg.JobID).Str("folder", name).Str("dest_id", id).Msg("destination folder ready")
	return id, nil
}
