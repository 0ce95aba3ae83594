package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/examsync/examsync/internal/models"
)

// HashBytes returns the hex-encoded SHA-256 digest of an image payload.
// The digest is the fleet-wide dedup key: identical bytes always produce
// the same digest on every platform.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// PrepareUploads hashes every inline image payload in the given records,
// rewrites each ref to its content hash, and returns one upload task per
// distinct payload plus the list of hashes to existence-check. Refs that
// already carry a hash are left alone: once confirmed remote, a hash is
// never re-uploaded.
//
// The records are mutated in place. Callers push working copies, so an
// aborted push never leaves a half-rewritten record in the local store.
func PrepareUploads(records []*models.Record, progress func(done, total int)) ([]models.UploadTask, []string) {
	var (
		tasks  []models.UploadTask
		hashes []string
	)

	seen := make(map[string]struct{})

	for i, rec := range records {
		hashRefs(rec.ID, models.KindPage, rec.Pages, seen, &tasks, &hashes)
		hashRefs(rec.ID, models.KindQuestion, rec.QuestionImages, seen, &tasks, &hashes)

		if progress != nil {
			progress(i+1, len(records))
		}
	}

	return tasks, hashes
}

// hashRefs rewrites one image slice in place, collecting upload tasks for
// payloads not seen before in this batch.
func hashRefs(recordID string, kind models.ImageKind, refs []models.ImageRef, seen map[string]struct{}, tasks *[]models.UploadTask, hashes *[]string) {
	for i := range refs {
		if refs[i].Uploaded() || len(refs[i].Data) == 0 {
			continue
		}

		hash := HashBytes(refs[i].Data)

		if _, dup := seen[hash]; !dup {
			seen[hash] = struct{}{}

			*tasks = append(*tasks, models.UploadTask{
				ID:      fmt.Sprintf("%s/%s/%d", recordID, kind, i),
				Hash:    hash,
				Payload: refs[i].Data,
				Kind:    kind,
			})
			*hashes = append(*hashes, hash)
		}

		refs[i] = models.ImageRef{Hash: hash}
	}
}
