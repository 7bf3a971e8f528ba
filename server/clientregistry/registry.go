package clientregistry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	interrors "github.com/jrsteele09/go-oauth-flows/internal/errors"
	"github.com/jrsteele09/go-oauth-flows/internal/secretbox"
	"github.com/pkg/errors"
)

type Repo interface {
	Upsert(client *Client) error
	Delete(clientID string) error
	Get(clientID string) (*Client, error)
	List(offset, limit int) ([]*Client, error)
}

var _ Repo = (*Registry)(nil)

// record is the at-rest form of a client.
type record struct {
	Client
	SealedSecret     string `json:"sealed_secret,omitempty"`
	SealedPrivateKey string `json:"sealed_private_key,omitempty"`
}

// Registry is an in-memory Repo keeping every client sealed. Without a box
// secrets are held as given, which is only meant for development.
type Registry struct {
	clients map[string]record
	box     *secretbox.Box
	lock    sync.RWMutex
}

func New(box *secretbox.Box) *Registry {
	return &Registry{clients: make(map[string]record), box: box}
}

func (r *Registry) seal(c *Client) (record, error) {
	rec := record{Client: *c}
	rec.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	rec.Scopes = append([]string(nil), c.Scopes...)
	rec.Grants = append(rec.Grants[:0:0], c.Grants...)
	if r.box == nil {
		return rec, nil
	}
	var err error
	if c.Secret != "" {
		if rec.SealedSecret, err = r.box.Seal(c.Secret, c.ID); err != nil {
			return record{}, errors.Wrap(err, "[Registry.seal] failed to seal secret")
		}
	}
	if c.PrivateKeyPEM != "" {
		if rec.SealedPrivateKey, err = r.box.Seal(c.PrivateKeyPEM, c.ID+":key"); err != nil {
			return record{}, errors.Wrap(err, "[Registry.seal] failed to seal private key")
		}
	}
	rec.Secret, rec.PrivateKeyPEM = "", ""
	return rec, nil
}

func (r *Registry) open(rec record) (*Client, error) {
	c := rec.Client
	c.RedirectURIs = append([]string(nil), rec.RedirectURIs...)
	c.Scopes = append([]string(nil), rec.Scopes...)
	c.Grants = append(c.Grants[:0:0], rec.Grants...)
	if rec.SealedSecret == "" && rec.SealedPrivateKey == "" {
		return &c, nil
	}
	if r.box == nil {
		return nil, errors.Errorf("[Registry.open] client %q is sealed but no vault key is configured", rec.ID)
	}
	var err error
	if rec.SealedSecret != "" {
		if c.Secret, err = r.box.Open(rec.SealedSecret, rec.ID); err != nil {
			return nil, errors.Wrapf(err, "[Registry.open] failed to open secret of %q", rec.ID)
		}
	}
	if rec.SealedPrivateKey != "" {
		if c.PrivateKeyPEM, err = r.box.Open(rec.SealedPrivateKey, rec.ID+":key"); err != nil {
			return nil, errors.Wrapf(err, "[Registry.open] failed to open private key of %q", rec.ID)
		}
	}
	return &c, nil
}

func (r *Registry) Upsert(client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("[Registry.Upsert] client id is required")
	}
	rec, err := r.seal(client)
	if err != nil {
		return err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.clients[client.ID] = rec
	return nil
}

func (r *Registry) Delete(clientID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.clients, clientID)
	return nil
}

func (r *Registry) Get(clientID string) (*Client, error) {
	r.lock.RLock()
	rec, ok := r.clients[clientID]
	r.lock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(interrors.ErrUnknownClient, "%q", clientID)
	}
	return r.open(rec)
}

func (r *Registry) List(offset, limit int) ([]*Client, error) {
	r.lock.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.lock.RUnlock()
	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Client, 0, end-offset)
	for _, id := range ids[offset:end] {
		c, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadFile reads a JSON array of clients. Entries may carry plaintext
// secrets, which are sealed as they are loaded.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "[Registry.LoadFile] failed to read %s", path)
	}
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return errors.Wrapf(err, "[Registry.LoadFile] failed to parse %s", path)
	}
	for _, rec := range records {
		if rec.SealedSecret != "" || rec.SealedPrivateKey != "" {
			c, err := r.open(rec)
			if err != nil {
				return err
			}
			rec.Client = *c
		}
		if err := r.Upsert(&rec.Client); err != nil {
			return err
		}
	}
	return nil
}

// SaveFile writes every client in sealed form.
func (r *Registry) SaveFile(path string) error {
	r.lock.RLock()
	records := make([]record, 0, len(r.clients))
	for _, rec := range r.clients {
		records = append(records, rec)
	}
	r.lock.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[Registry.SaveFile] failed to encode clients")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "[Registry.SaveFile] failed to create folder")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o600), "[Registry.SaveFile] failed to write clients")
}
