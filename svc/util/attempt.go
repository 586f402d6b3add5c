package util

// Attempt runs f up to max times, returning nil on the first success.
// The last error is returned when every try fails, so callers see the
// real cause rather than a generic retries-exhausted wrapper.
func Attempt(max int, f func() error) error {
	var err error
	for i := 0; i < max; i++ {
		if err = f(); err == nil {
			return nil
		}
	}
	return err
}
