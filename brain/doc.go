// Package brain provides an action that lets a language model drive a run.
//
// A brain keeps its conversation in the run state under HistoryKey, so a
// client that sends the state back continues the conversation. Each
// execution is one model turn. When the model calls a tool, the brain emits a
// "tool-call" event and returns a NextAction to the action of that name; the
// tool answers with Reply, which hands control back to the brain.
//
//	chat := brain.New("chat", openai.NewModel(), func(o *brain.Options) {
//	    o.Instructions = "You are a cashier. The customer is {{.customer}}."
//	})
//	eng.MustRegister(chat, lookup, charge)
package brain
