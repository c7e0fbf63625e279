package engine

// ValidationError reports request input the engine refuses to act on. No
// mutation happens and no transaction is opened when one is returned.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}
