package gcs

import "cloud.google.com/go/storage"

// WithACLEntry appends a ACL Rule to the ACL that will be set on new object
// versions written by this Directory.
func WithACLEntry(rule storage.ACLRule) DirectoryOpts {
	return func(cfg *directoryOptions) {
		cfg.acls = append(cfg.acls, rule)
	}
}

// WithObjectReader grants readonly access to the member table for the ACL
// entity argument, e.g. so operators can inspect it.
func WithObjectReader(reader storage.ACLEntity) DirectoryOpts {
	return WithACLEntry(storage.ACLRule{
		Entity: reader,
		Role:   storage.RoleReader,
	})
}
