package archiver

import (
	"context"
	"fmt"
	"io"

	"github.com/ndlib/sipstore/bagit"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
	"github.com/ndlib/sipstore/util"
)

// Verify checks the fixity of the snapshot id. Every entry, including the
// ones fetched from earlier bags, is checksummed again from the bytes at
// its full path, and the bag itself is checked for consistency. It returns
// a list of problems found. The error is only for problems which kept the
// check from running.
func (a *Archiver) Verify(ctx context.Context, id string) ([]string, error) {
	return a.VerifyWith(ctx, id, nil)
}

// VerifyWith is like Verify, but passes every reader through wrap first.
// It is used to limit the rate the store is read at.
func (a *Archiver) VerifyWith(ctx context.Context, id string, wrap func(context.Context, io.Reader) io.Reader) ([]string, error) {
	s, err := a.Catalog.Snapshot(id)
	if err != nil {
		return nil, sip.WithIDs(catalogError(err, ""), "", id)
	}
	var problems []string
	for _, e := range s.Entries() {
		msg, err := a.verifyEntry(ctx, e, wrap)
		if err != nil {
			return nil, sip.WithIDs(sip.NewError(sip.KindTimedOut, e.FilePath, err), s.PackageID, id)
		}
		if msg != "" {
			problems = append(problems, e.FilePath+": "+msg)
		}
	}
	r, err := bagit.Open(a.Store, s.BagRoot)
	if err != nil {
		problems = append(problems, err.Error())
		return problems, nil
	}
	err = r.Verify(ctx)
	if ve, ok := err.(*bagit.VerifyError); ok {
		problems = append(problems, ve.Problems...)
	} else if err != nil {
		return nil, sip.WithIDs(sip.NewError(sip.KindArchiveFilesystem, "", err), s.PackageID, id)
	}
	if tags := r.Tags(); tags["Internal-Sender-Identifier"] != s.ID {
		problems = append(problems, fmt.Sprintf("%s: Internal-Sender-Identifier is %q", bagit.BagInfoFile, tags["Internal-Sender-Identifier"]))
	}
	return problems, nil
}

// verifyEntry returns a description of what is wrong with e, or "" if
// nothing is. The error is set only if ctx ended.
func (a *Archiver) verifyEntry(ctx context.Context, e sip.Entry, wrap func(context.Context, io.Reader) io.Reader) (string, error) {
	sum, err := e.MD5()
	if err != nil {
		return err.Error(), nil
	}
	key, ok := a.Store.KeyOf(e.FullPath)
	if !ok {
		return fmt.Sprintf("%s is not in the archive", e.FullPath), nil
	}
	rac, size, err := a.Store.Open(key)
	if err != nil {
		return err.Error(), nil
	}
	defer rac.Close()
	if size != e.Size {
		return fmt.Sprintf("size %d, expected %d", size, e.Size), nil
	}
	var r io.Reader = store.NewReader(rac)
	if wrap != nil {
		r = wrap(ctx, r)
	}
	ok, err = util.VerifyStreamHash(ctx, r, sum)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return err.Error(), nil
	}
	if !ok {
		return "checksum mismatch", nil
	}
	return "", nil
}
