package backend

func init() {
	// Reserved but unassigned to date (spec §6): tiledb_20 and url_60 in
	// the original implementation's own BACKEND_ACCESSOR_MAP comment.
	Reserved("20")
	Reserved("60")
}
