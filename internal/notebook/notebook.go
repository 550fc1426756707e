// Package notebook persists a user's local state: profile, diary entries,
// contacts, and a cache of chat history per contact.
//
// The file is a single JSON document written with four-space indentation.
// Older files stored chat history as bare strings; those still load and are
// rewritten as objects on the next save.
package notebook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"dsmessenger/internal/logging"
)

var (
	// ErrNotebookFile is returned when a notebook cannot be read from or
	// written to the file system, or the path is not a .json file.
	ErrNotebookFile = errors.New("notebook file error")

	// ErrIncorrectNotebook is returned when file content cannot be decoded
	// into a notebook.
	ErrIncorrectNotebook = errors.New("incorrect notebook")

	// ErrPermission is returned by ChatsFor when credentials do not match.
	ErrPermission = errors.New("incorrect username or password for local notebook")
)

// Diary is a single diary entry. Timestamp is seconds since the epoch.
type Diary struct {
	Entry     string  `json:"entry"`
	Timestamp float64 `json:"timestamp"`
}

// NewDiary returns a diary entry stamped with ts, or the current time when
// ts is zero.
func NewDiary(entry string, ts float64) Diary {
	if ts == 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	return Diary{Entry: entry, Timestamp: ts}
}

// Time returns the entry timestamp as a time.Time.
func (d Diary) Time() time.Time {
	sec, frac := math.Modf(d.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// ChatEntry is one cached message in a conversation.
type ChatEntry struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	Outgoing  bool   `json:"outgoing,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare string.
func (c *ChatEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ChatEntry{Text: s}
		return nil
	}
	type plain ChatEntry
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = ChatEntry(p)
	return nil
}

func (c ChatEntry) same(o ChatEntry) bool {
	return c.Text == o.Text && c.Timestamp == o.Timestamp && c.Outgoing == o.Outgoing
}

// Notebook is a user's local profile. All methods are safe for concurrent
// use.
type Notebook struct {
	mu sync.RWMutex

	username string
	password string
	bio      string
	diaries  []Diary
	contacts []string
	chats    map[string][]ChatEntry
}

// fileFormat is the on-disk layout.
type fileFormat struct {
	Username string                 `json:"username"`
	Password string                 `json:"password"`
	Bio      string                 `json:"bio"`
	Diaries  []Diary                `json:"_diaries"`
	Contacts []string               `json:"contacts"`
	Chats    map[string][]ChatEntry `json:"chats"`
}

// New returns an empty notebook.
func New(username, password, bio string) *Notebook {
	return &Notebook{
		username: username,
		password: password,
		bio:      bio,
		diaries:  []Diary{},
		contacts: []string{},
		chats:    make(map[string][]ChatEntry),
	}
}

// Load reads a notebook from path.
func Load(path string) (*Notebook, error) {
	if filepath.Ext(path) != ".json" {
		return nil, fmt.Errorf("%w: %s is not a .json file", ErrNotebookFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotebookFile, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIncorrectNotebook, path, err)
	}

	nb := New(ff.Username, ff.Password, ff.Bio)
	if ff.Diaries != nil {
		nb.diaries = ff.Diaries
	}
	if ff.Contacts != nil {
		nb.contacts = ff.Contacts
	}
	for contact, entries := range ff.Chats {
		nb.chats[contact] = entries
	}
	logging.NotebookDebug("loaded %s: %d contacts, %d diaries", path, len(nb.contacts), len(nb.diaries))
	return nb, nil
}

// Open loads the notebook at path, or creates and saves a new one when the
// file does not exist.
func Open(path, username, password string) (*Notebook, error) {
	nb, err := Load(path)
	if err == nil {
		return nb, nil
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		return nil, err
	}

	nb = New(username, password, "")
	if err := nb.Save(path); err != nil {
		return nil, err
	}
	logging.Notebook("created notebook %s", path)
	return nb, nil
}

// Save writes the notebook to path. The write goes to a temp file in the
// same directory and is renamed into place.
func (n *Notebook) Save(path string) error {
	if filepath.Ext(path) != ".json" {
		return fmt.Errorf("%w: %s is not a .json file", ErrNotebookFile, path)
	}

	n.mu.RLock()
	ff := fileFormat{
		Username: n.username,
		Password: n.password,
		Bio:      n.bio,
		Diaries:  n.diaries,
		Contacts: n.contacts,
		Chats:    n.chats,
	}
	data, err := json.MarshalIndent(ff, "", "    ")
	n.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrNotebookFile, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", ErrNotebookFile, err)
	}
	tmp, err := os.CreateTemp(dir, ".notebook-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotebookFile, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %v", ErrNotebookFile, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrNotebookFile, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("%w: chmod: %v", ErrNotebookFile, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrNotebookFile, err)
	}
	logging.NotebookDebug("saved %s (%d bytes)", path, len(data))
	return nil
}

// Username returns the notebook owner.
func (n *Notebook) Username() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.username
}

// Bio returns the profile bio.
func (n *Notebook) Bio() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bio
}

// SetBio replaces the profile bio.
func (n *Notebook) SetBio(bio string) {
	n.mu.Lock()
	n.bio = bio
	n.mu.Unlock()
}

// AddDiary appends a diary entry.
func (n *Notebook) AddDiary(d Diary) {
	n.mu.Lock()
	n.diaries = append(n.diaries, d)
	n.mu.Unlock()
}

// DeleteDiary removes the entry at index and reports whether it existed.
func (n *Notebook) DeleteDiary(index int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if index < 0 || index >= len(n.diaries) {
		return false
	}
	n.diaries = append(n.diaries[:index], n.diaries[index+1:]...)
	return true
}

// Diaries returns a copy of the diary entries.
func (n *Notebook) Diaries() []Diary {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Diary, len(n.diaries))
	copy(out, n.diaries)
	return out
}

// AddContact adds a contact with an empty history. It reports whether the
// contact is new.
func (n *Notebook) AddContact(name string) bool {
	if name == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addContactLocked(name)
}

func (n *Notebook) addContactLocked(name string) bool {
	added := false
	if !contains(n.contacts, name) {
		n.contacts = append(n.contacts, name)
		added = true
	}
	if _, ok := n.chats[name]; !ok {
		n.chats[name] = []ChatEntry{}
	}
	return added
}

// AddContactAndMessage ensures contact exists, appends a non-empty entry to
// its history, and saves to path.
func (n *Notebook) AddContactAndMessage(path, contact string, entry ChatEntry) error {
	if contact != "" {
		n.mu.Lock()
		n.addContactLocked(contact)
		if entry.Text != "" {
			n.chats[contact] = append(n.chats[contact], entry)
		}
		n.mu.Unlock()
	}
	return n.Save(path)
}

// Record ensures contact exists and appends entry unless an identical entry
// is already in its history. It does not save. It reports whether the entry
// was appended.
func (n *Notebook) Record(contact string, entry ChatEntry) bool {
	if contact == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addContactLocked(contact)
	if entry.Text == "" {
		return false
	}
	for _, existing := range n.chats[contact] {
		if existing.same(entry) {
			return false
		}
	}
	n.chats[contact] = append(n.chats[contact], entry)
	return true
}

// ContactsList returns the contacts in insertion order.
func (n *Notebook) ContactsList() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, len(n.contacts))
	copy(out, n.contacts)
	return out
}

// History returns a copy of the conversation with contact, ordered by
// timestamp. Entries without a timestamp sort first, in stored order.
func (n *Notebook) History(contact string) []ChatEntry {
	n.mu.RLock()
	src := n.chats[contact]
	out := make([]ChatEntry, len(src))
	copy(out, src)
	n.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return parseSeconds(out[i].Timestamp) < parseSeconds(out[j].Timestamp)
	})
	return out
}

// ChatsFor returns all chats when username and password match the
// notebook owner.
func (n *Notebook) ChatsFor(username, password string) (map[string][]ChatEntry, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if username != n.username || password != n.password {
		return nil, ErrPermission
	}
	out := make(map[string][]ChatEntry, len(n.chats))
	for k, v := range n.chats {
		entries := make([]ChatEntry, len(v))
		copy(entries, v)
		out[k] = entries
	}
	return out, nil
}

// Merge folds other into n: contacts and chat entries missing from n are
// added, and the bio and diary list are taken from other. It returns how
// many chat entries were new. Used when the file changed on disk while n
// may hold entries that are not saved yet.
func (n *Notebook) Merge(other *Notebook) int {
	if other == n {
		return 0
	}
	other.mu.RLock()
	bio := other.bio
	diaries := make([]Diary, len(other.diaries))
	copy(diaries, other.diaries)
	contacts := make([]string, len(other.contacts))
	copy(contacts, other.contacts)
	chats := make(map[string][]ChatEntry, len(other.chats))
	for k, v := range other.chats {
		chats[k] = append([]ChatEntry(nil), v...)
	}
	other.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.bio = bio
	n.diaries = diaries
	for _, c := range contacts {
		n.addContactLocked(c)
	}
	added := 0
	for contact, entries := range chats {
		n.addContactLocked(contact)
	next:
		for _, e := range entries {
			for _, existing := range n.chats[contact] {
				if existing.same(e) {
					continue next
				}
			}
			n.chats[contact] = append(n.chats[contact], e)
			added++
		}
	}
	return added
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
