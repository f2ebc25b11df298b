package storage

type IService interface {
	// ResultPath returns a writable path for a result file named name.
	ResultPath(name string) (string, error)
	// StoreFile publishes a written result file and returns where it can be fetched.
	StoreFile(fileName string) (string, error)
}
