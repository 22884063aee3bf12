// Package locator decodes media locator tokens.
//
// A token is the string the catalogue stores for every file. It identifies a
// remotely stored object: its home datacenter, media id, access credential,
// file reference and, for photos, which size or chat photo to address.
//
// # Token format
//
// Tokens use URL-safe base64 without padding over a payload in which runs of
// zero bytes are compressed to a 0x00 marker followed by the run length. The
// last two bytes are the sub-version and the format version (4). The payload
// is little-endian:
//
//	int32   type | flags          flags: 1<<24 web location, 1<<25 file reference
//	int32   dc
//	bytes   file_reference        TL-serialized, present with flag 1<<25
//	int64   media_id
//	int64   access_hash
//
// Photo-like types (thumbnail, chat photo, photo) continue with an int32
// thumbnail source and then either
//
//	int32   thumbnail_file_type
//	uint32  thumbnail_size        a single size letter, e.g. 'x'
//
// or, for chat photos,
//
//	int64   chat_id
//	int64   chat_access_hash
//	int64   volume_id
//	int32   local_id
//
// Every [Locator] maps to exactly one [Kind]; the kind decides how the
// object is addressed when bytes are fetched.
package locator
