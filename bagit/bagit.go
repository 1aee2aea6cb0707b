// Package bagit renders snapshots into BagIt bags on an archive store, and
// reads them back. A bag is a directory in the store holding the payload
// under "data/", a md5 payload manifest, an optional fetch file listing
// payload kept in earlier bags, and the tag files bagit.txt, bag-info.txt
// and tagmanifest-md5.txt.
//
// Only md5 manifests are produced. Serialization is deterministic: the same
// snapshot and diff always give byte identical tag files, so a retried
// attempt never changes a bag's manifest.
//
// The BagIt spec can be found at https://tools.ietf.org/html/draft-kunze-bagit-14.
package bagit

import (
	"strings"
)

const (
	// Version is the version of the BagIt specification this package implements.
	Version = "0.97"

	// The names of the tag files, relative to the bag root.
	ManifestFile    = "manifest-md5.txt"
	FetchFile       = "fetch.txt"
	BagitFile       = "bagit.txt"
	BagInfoFile     = "bag-info.txt"
	TagManifestFile = "tagmanifest-md5.txt"
)

// ManifestLine is one line of a manifest file.
type ManifestLine struct {
	MD5  []byte
	Path string
}

// FetchLine is one line of a fetch file.
type FetchLine struct {
	URL  string
	Size int64
	Path string
}

// BagIt requires these characters to be percent encoded in file names.
// Spaces are encoded too in fetch urls, since fields are space separated.
var (
	pathEncoder = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	pathDecoder = strings.NewReplacer("%25", "%", "%0D", "\r", "%0d", "\r", "%0A", "\n", "%0a", "\n")
	urlEncoder  = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A", " ", "%20")
	urlDecoder  = strings.NewReplacer("%25", "%", "%0D", "\r", "%0d", "\r", "%0A", "\n", "%0a", "\n", "%20", " ")
)

func encodePath(p string) string { return pathEncoder.Replace(p) }
func decodePath(p string) string { return pathDecoder.Replace(p) }
func encodeURL(u string) string  { return urlEncoder.Replace(u) }
func decodeURL(u string) string  { return urlDecoder.Replace(u) }
