package ninchat

// Reply is invoked once per event that answers an action sent via Send
// or SendWithContext. final reports whether this is the last reply the
// action will ever receive: for most actions the first reply is also
// the last; for a multi-reply action such as load_history, Reply fires
// once per interim item with final=false and once more, with
// params/payload possibly empty, with final=true.
//
// A nil params/payload with final=true also occurs when the session
// closes before a reply ever arrives — see Session.Close.
type Reply func(params map[string]any, payload [][]byte, final bool)
