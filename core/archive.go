package apkpack

// Archive is a parsed container.
type Archive struct {
	// Entries lists members in physical order.
	Entries []*Entry

	// CentralDirectoryOffset is the file offset of the central directory.
	CentralDirectoryOffset int64

	// CentralDirectorySize is the encoded length of the central directory.
	CentralDirectorySize int64

	// Comment is the end of central directory comment.
	Comment []byte

	// SigningBlockSize is the length of an APK Signing Block found between
	// the last entry and the central directory, or 0 when absent.
	SigningBlockSize int64

	central    []*Entry // central directory order
	byName     map[string]*Entry
	eocdOffset int64
}

// Lookup returns the entry with the given name, or nil.
func (a *Archive) Lookup(name string) *Entry {
	return a.byName[name]
}

// Names returns entry names in physical order.
func (a *Archive) Names() []string {
	names := make([]string, len(a.Entries))
	for i, e := range a.Entries {
		names[i] = e.Name
	}
	return names
}

// Signed reports whether the archive carries an APK Signing Block.
func (a *Archive) Signed() bool {
	return a.SigningBlockSize > 0
}
