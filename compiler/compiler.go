package compiler

import (
	"encoding/binary"
	"strconv"

	"github.com/roxlang/rox/vm"
)

// ---------------------------------------------------------------------------
// Compiler: single-pass Pratt parser emitting bytecode
// ---------------------------------------------------------------------------

// The compiler interleaves parsing and code generation; no syntax tree is
// materialized. Expressions go through an operator-precedence (Pratt) table
// of prefix/infix handlers; statements are recursive descent. Each function
// body compiles into its own chunk, with locals resolved to stack slots,
// captured variables resolved to upvalue chains, and control flow patched
// into jump offsets as targets become known.

// Compile turns source into a top-level FunctionObject value on h. On any
// error a non-nil ErrorList is returned and no function is handed out.
func Compile(h *vm.Heap, source string) (vm.Value, error) {
	c := &Compiler{
		heap:    h,
		scanner: NewScanner(source),
	}

	// Partially built functions must survive collections triggered by the
	// compiler's own allocations.
	h.AddRootSource(c)
	defer h.RemoveRootSource(c)

	c.beginFunction(funcScript)
	c.advance()
	for !c.match(TokenEOF) {
		c.declaration()
	}
	fnVal := c.endFunction()

	if len(c.errors) > 0 {
		return vm.Nil, c.errors
	}
	return fnVal, nil
}

// Limits imposed by single-byte operands.
const (
	maxConstants = 256
	maxLocals    = 256
	maxUpvalues  = 256
	maxArguments = 255
	maxJump      = 0xFFFF
)

// Precedence levels, lowest first.
type precedence int

const (
	precNone precedence = iota
	precAssignment             // =
	precOr                     // or
	precAnd                    // and
	precEquality               // == !=
	precComparison             // < > <= >=
	precTerm                   // + -
	precFactor                 // * /
	precUnary                  // ! -
	precCall                   // . ()
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

// parseRule pairs the handlers for a token when it appears in prefix and
// infix position, plus its infix binding power.
type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

var rules map[TokenType]parseRule

// The rule table refers to handlers that themselves parse expressions, so
// it is built in init to break the initialization cycle.
func init() {
	rules = map[TokenType]parseRule{
		TokenLeftParen:    {(*Compiler).grouping, (*Compiler).call, precCall},
		TokenDot:          {nil, (*Compiler).dot, precCall},
		TokenMinus:        {(*Compiler).unary, (*Compiler).binary, precTerm},
		TokenPlus:         {nil, (*Compiler).binary, precTerm},
		TokenSlash:        {nil, (*Compiler).binary, precFactor},
		TokenStar:         {nil, (*Compiler).binary, precFactor},
		TokenBang:         {(*Compiler).unary, nil, precNone},
		TokenBangEqual:    {nil, (*Compiler).binary, precEquality},
		TokenEqualEqual:   {nil, (*Compiler).binary, precEquality},
		TokenGreater:      {nil, (*Compiler).binary, precComparison},
		TokenGreaterEqual: {nil, (*Compiler).binary, precComparison},
		TokenLess:         {nil, (*Compiler).binary, precComparison},
		TokenLessEqual:    {nil, (*Compiler).binary, precComparison},
		TokenIdentifier:   {(*Compiler).variable, nil, precNone},
		TokenString:       {(*Compiler).stringLiteral, nil, precNone},
		TokenNumber:       {(*Compiler).number, nil, precNone},
		TokenAnd:          {nil, (*Compiler).and, precAnd},
		TokenOr:           {nil, (*Compiler).or, precOr},
		TokenFalse:        {(*Compiler).literal, nil, precNone},
		TokenNil:          {(*Compiler).literal, nil, precNone},
		TokenTrue:         {(*Compiler).literal, nil, precNone},
		TokenThis:         {(*Compiler).this, nil, precNone},
		TokenSuper:        {(*Compiler).super, nil, precNone},
	}
}

func ruleFor(t TokenType) parseRule {
	return rules[t]
}

// ---------------------------------------------------------------------------
// Compilation contexts
// ---------------------------------------------------------------------------

type funcKind int

const (
	funcScript funcKind = iota
	funcFunction
	funcMethod
	funcInitializer
)

// local is a compile-time local-variable descriptor. depth == -1 marks a
// declared-but-uninitialized variable, which is what catches
// `var a = a;` inside a scope.
type local struct {
	name       Token
	depth      int
	isCaptured bool
}

// upvalueDesc records one captured variable: either a local of the
// immediately enclosing function or one of its upvalues in turn.
type upvalueDesc struct {
	index   byte
	isLocal bool
}

// funcCompiler is the per-function compilation context. Nested function
// declarations push a new context; the chain is also what the collector
// marks while compilation is in flight.
type funcCompiler struct {
	enclosing  *funcCompiler
	fnVal      vm.Value
	fn         *vm.FunctionObject
	kind       funcKind
	locals     []local
	upvalues   []upvalueDesc
	scopeDepth int
}

// classCompiler tracks the innermost class being compiled, for validating
// this/super usage.
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Compiler drives one compile: scanner state, error accumulation, and the
// stack of function contexts.
type Compiler struct {
	heap    *vm.Heap
	scanner *Scanner

	current  Token
	previous Token

	errors    ErrorList
	panicMode bool

	fc           *funcCompiler
	currentClass *classCompiler
}

// MarkRoots implements vm.RootSource: every partially built function in the
// context chain is live, along with everything its constants reference.
func (c *Compiler) MarkRoots(h *vm.Heap) {
	for fc := c.fc; fc != nil; fc = fc.enclosing {
		h.MarkValue(fc.fnVal)
	}
}

// beginFunction pushes a new function context.
func (c *Compiler) beginFunction(kind funcKind) {
	fn := &vm.FunctionObject{Chunk: vm.NewChunk()}
	if kind != funcScript {
		fn.Name = c.previous.Lexeme
	}
	fc := &funcCompiler{
		enclosing: c.fc,
		fn:        fn,
		kind:      kind,
	}
	c.fc = fc
	fc.fnVal = c.heap.Alloc(fn)

	// Slot zero belongs to the function itself, or to the receiver inside
	// methods, where it is addressable as `this`.
	slotZero := local{depth: 0}
	if kind == funcMethod || kind == funcInitializer {
		slotZero.name = Token{Type: TokenThis, Lexeme: "this"}
	}
	fc.locals = append(fc.locals, slotZero)
}

// endFunction emits the implicit return, pops the context, and returns the
// finished function value.
func (c *Compiler) endFunction() vm.Value {
	c.emitReturn()
	fnVal := c.fc.fnVal
	c.fc = c.fc.enclosing
	return fnVal
}

// ---------------------------------------------------------------------------
// Token plumbing and error reporting
// ---------------------------------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.scanner.NextToken()
		if c.current.Type != TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) consume(t TokenType, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

func (c *Compiler) check(t TokenType) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) errorAtCurrent(message string) {
	c.errorAt(c.current, message)
}

func (c *Compiler) errorAtPrevious(message string) {
	c.errorAt(c.previous, message)
}

// errorAt records an error unless the parser is already panicking; panic
// mode suppresses cascaded errors until the next synchronization point.
func (c *Compiler) errorAt(token Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	where := ""
	switch token.Type {
	case TokenEOF:
		where = " at end"
	case TokenError:
		// Lexical errors already carry their own message.
	default:
		where = " at '" + token.Lexeme + "'"
	}
	c.errors = append(c.errors, Error{Line: token.Line, Where: where, Message: message})
}

// synchronize discards tokens until a statement boundary so one mistake
// produces one error, not a cascade.
func (c *Compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != TokenEOF {
		if c.previous.Type == TokenSemicolon {
			return
		}
		switch c.current.Type {
		case TokenClass, TokenFun, TokenVar, TokenFor,
			TokenIf, TokenWhile, TokenPrint, TokenReturn:
			return
		}
		c.advance()
	}
}

// ---------------------------------------------------------------------------
// Bytecode emission
// ---------------------------------------------------------------------------

func (c *Compiler) chunk() *vm.Chunk {
	return c.fc.fn.Chunk
}

func (c *Compiler) emitByte(b byte) {
	c.chunk().Write(b, c.previous.Line)
}

func (c *Compiler) emitOp(op vm.Opcode) {
	c.emitByte(byte(op))
}

func (c *Compiler) emitOps(op1, op2 vm.Opcode) {
	c.emitOp(op1)
	c.emitOp(op2)
}

func (c *Compiler) emitOpByte(op vm.Opcode, operand byte) {
	c.emitOp(op)
	c.emitByte(operand)
}

// emitReturn emits the implicit function return: `this` for initializers,
// nil for everything else.
func (c *Compiler) emitReturn() {
	if c.fc.kind == funcInitializer {
		c.emitOpByte(vm.OpGetLocal, 0)
	} else {
		c.emitOp(vm.OpNil)
	}
	c.emitOp(vm.OpReturn)
}

// makeConstant adds v to the current constant pool, reporting overflow of
// the single-byte operand space.
func (c *Compiler) makeConstant(v vm.Value) byte {
	idx := c.chunk().AddConstant(v)
	if idx >= maxConstants {
		c.errorAtPrevious("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (c *Compiler) emitConstant(v vm.Value) {
	c.emitOpByte(vm.OpConstant, c.makeConstant(v))
}

// emitJump emits a forward jump with a placeholder offset and returns the
// offset's position for patching.
func (c *Compiler) emitJump(op vm.Opcode) int {
	c.emitOp(op)
	c.emitByte(0xFF)
	c.emitByte(0xFF)
	return len(c.chunk().Code) - 2
}

// patchJump backpatches a forward jump to land on the next instruction.
func (c *Compiler) patchJump(at int) {
	jump := len(c.chunk().Code) - at - 2
	if jump > maxJump {
		c.errorAtPrevious("Too much code to jump over.")
	}
	binary.BigEndian.PutUint16(c.chunk().Code[at:], uint16(jump))
}

// emitLoop emits a backward jump to loopStart.
func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(vm.OpLoop)
	offset := len(c.chunk().Code) - loopStart + 2
	if offset > maxJump {
		c.errorAtPrevious("Loop body too large.")
	}
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

// ---------------------------------------------------------------------------
// Scope and variable resolution
// ---------------------------------------------------------------------------

func (c *Compiler) beginScope() {
	c.fc.scopeDepth++
}

// endScope pops the scope's locals. Captured locals are closed into their
// upvalues instead of being discarded.
func (c *Compiler) endScope() {
	fc := c.fc
	fc.scopeDepth--
	for len(fc.locals) > 0 && fc.locals[len(fc.locals)-1].depth > fc.scopeDepth {
		if fc.locals[len(fc.locals)-1].isCaptured {
			c.emitOp(vm.OpCloseUpvalue)
		} else {
			c.emitOp(vm.OpPop)
		}
		fc.locals = fc.locals[:len(fc.locals)-1]
	}
}

// identifierConstant interns an identifier and returns its constant index.
func (c *Compiler) identifierConstant(name Token) byte {
	return c.makeConstant(c.heap.Intern(name.Lexeme))
}

// declareVariable records a local declaration. Globals are late-bound by
// name and need no declaration.
func (c *Compiler) declareVariable() {
	fc := c.fc
	if fc.scopeDepth == 0 {
		return
	}
	name := c.previous
	for i := len(fc.locals) - 1; i >= 0; i-- {
		l := &fc.locals[i]
		if l.depth != -1 && l.depth < fc.scopeDepth {
			break
		}
		if l.name.Lexeme == name.Lexeme {
			c.errorAtPrevious("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *Compiler) addLocal(name Token) {
	fc := c.fc
	if len(fc.locals) >= maxLocals {
		c.errorAtPrevious("Too many local variables in function.")
		return
	}
	fc.locals = append(fc.locals, local{name: name, depth: -1})
}

// parseVariable consumes a variable name and returns its global-name
// constant index, or 0 for locals.
func (c *Compiler) parseVariable(message string) byte {
	c.consume(TokenIdentifier, message)
	c.declareVariable()
	if c.fc.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous)
}

// markInitialized flips the newest local from declared to usable.
func (c *Compiler) markInitialized() {
	fc := c.fc
	if fc.scopeDepth == 0 {
		return
	}
	fc.locals[len(fc.locals)-1].depth = fc.scopeDepth
}

func (c *Compiler) defineVariable(global byte) {
	if c.fc.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitOpByte(vm.OpDefineGlobal, global)
}

// resolveLocal scans a function's locals from the top down, so the
// innermost shadowing declaration wins. Returns -1 when the name is not a
// local of fc.
func (c *Compiler) resolveLocal(fc *funcCompiler, name Token) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		l := &fc.locals[i]
		if l.name.Lexeme == name.Lexeme {
			if l.depth == -1 {
				c.errorAtPrevious("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue recursively searches enclosing functions for name,
// recording the capture chain. The variable is captured by reference:
// closures that capture the same local share one upvalue, so mutation is
// visible across all of them.
func (c *Compiler) resolveUpvalue(fc *funcCompiler, name Token) int {
	if fc.enclosing == nil {
		return -1
	}
	if slot := c.resolveLocal(fc.enclosing, name); slot != -1 {
		fc.enclosing.locals[slot].isCaptured = true
		return c.addUpvalue(fc, byte(slot), true)
	}
	if idx := c.resolveUpvalue(fc.enclosing, name); idx != -1 {
		return c.addUpvalue(fc, byte(idx), false)
	}
	return -1
}

func (c *Compiler) addUpvalue(fc *funcCompiler, index byte, isLocal bool) int {
	for i, uv := range fc.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) >= maxUpvalues {
		c.errorAtPrevious("Too many closure variables in function.")
		return 0
	}
	fc.upvalues = append(fc.upvalues, upvalueDesc{index: index, isLocal: isLocal})
	fc.fn.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}

// namedVariable emits the load or store for an identifier, resolving it as
// a local, an upvalue, or finally a late-bound global.
func (c *Compiler) namedVariable(name Token, canAssign bool) {
	var getOp, setOp vm.Opcode
	var arg int

	if arg = c.resolveLocal(c.fc, name); arg != -1 {
		getOp, setOp = vm.OpGetLocal, vm.OpSetLocal
	} else if arg = c.resolveUpvalue(c.fc, name); arg != -1 {
		getOp, setOp = vm.OpGetUpvalue, vm.OpSetUpvalue
	} else {
		arg = int(c.identifierConstant(name))
		getOp, setOp = vm.OpGetGlobal, vm.OpSetGlobal
	}

	if canAssign && c.match(TokenEqual) {
		c.expression()
		c.emitOpByte(setOp, byte(arg))
	} else {
		c.emitOpByte(getOp, byte(arg))
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence is the Pratt core: one prefix handler, then infix
// handlers while the next operator binds at least as tightly.
func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := ruleFor(c.previous.Type).prefix
	if prefix == nil {
		c.errorAtPrevious("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= ruleFor(c.current.Type).prec {
		c.advance()
		ruleFor(c.previous.Type).infix(c, canAssign)
	}

	if canAssign && c.match(TokenEqual) {
		c.errorAtPrevious("Invalid assignment target.")
	}
}

func (c *Compiler) grouping(bool) {
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after expression.")
}

func (c *Compiler) number(bool) {
	f, _ := strconv.ParseFloat(c.previous.Lexeme, 64)
	c.emitConstant(vm.FromNumber(f))
}

func (c *Compiler) stringLiteral(bool) {
	lexeme := c.previous.Lexeme
	c.emitConstant(c.heap.Intern(lexeme[1 : len(lexeme)-1]))
}

func (c *Compiler) literal(bool) {
	switch c.previous.Type {
	case TokenFalse:
		c.emitOp(vm.OpFalse)
	case TokenNil:
		c.emitOp(vm.OpNil)
	case TokenTrue:
		c.emitOp(vm.OpTrue)
	}
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

func (c *Compiler) unary(bool) {
	op := c.previous.Type
	c.parsePrecedence(precUnary)
	switch op {
	case TokenMinus:
		c.emitOp(vm.OpNegate)
	case TokenBang:
		c.emitOp(vm.OpNot)
	}
}

func (c *Compiler) binary(bool) {
	op := c.previous.Type
	c.parsePrecedence(ruleFor(op).prec + 1)

	switch op {
	case TokenBangEqual:
		c.emitOps(vm.OpEqual, vm.OpNot)
	case TokenEqualEqual:
		c.emitOp(vm.OpEqual)
	case TokenGreater:
		c.emitOp(vm.OpGreater)
	case TokenGreaterEqual:
		c.emitOps(vm.OpLess, vm.OpNot)
	case TokenLess:
		c.emitOp(vm.OpLess)
	case TokenLessEqual:
		c.emitOps(vm.OpGreater, vm.OpNot)
	case TokenPlus:
		c.emitOp(vm.OpAdd)
	case TokenMinus:
		c.emitOp(vm.OpSubtract)
	case TokenStar:
		c.emitOp(vm.OpMultiply)
	case TokenSlash:
		c.emitOp(vm.OpDivide)
	}
}

// and short-circuits: if the left operand is falsy it stays on the stack
// and the right operand is skipped.
func (c *Compiler) and(bool) {
	endJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func (c *Compiler) or(bool) {
	elseJump := c.emitJump(vm.OpJumpIfFalse)
	endJump := c.emitJump(vm.OpJump)
	c.patchJump(elseJump)
	c.emitOp(vm.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *Compiler) call(bool) {
	argc := c.argumentList()
	c.emitOpByte(vm.OpCall, argc)
}

func (c *Compiler) dot(canAssign bool) {
	c.consume(TokenIdentifier, "Expect property name after '.'.")
	name := c.identifierConstant(c.previous)

	switch {
	case canAssign && c.match(TokenEqual):
		c.expression()
		c.emitOpByte(vm.OpSetProperty, name)
	case c.match(TokenLeftParen):
		// Immediate invocation skips the bound-method allocation; it must
		// be indistinguishable from property access plus call.
		argc := c.argumentList()
		c.emitOpByte(vm.OpInvoke, name)
		c.emitByte(argc)
	default:
		c.emitOpByte(vm.OpGetProperty, name)
	}
}

func (c *Compiler) this(bool) {
	if c.currentClass == nil {
		c.errorAtPrevious("Can't use 'this' outside of a class.")
		return
	}
	c.variable(false)
}

func (c *Compiler) super(bool) {
	switch {
	case c.currentClass == nil:
		c.errorAtPrevious("Can't use 'super' outside of a class.")
	case !c.currentClass.hasSuperclass:
		c.errorAtPrevious("Can't use 'super' in a class with no superclass.")
	}

	c.consume(TokenDot, "Expect '.' after 'super'.")
	c.consume(TokenIdentifier, "Expect superclass method name.")
	name := c.identifierConstant(c.previous)

	// `super` resolves through an implicit upvalue holding the enclosing
	// class's superclass; the receiver is the current `this`.
	c.namedVariable(syntheticToken("this"), false)
	if c.match(TokenLeftParen) {
		argc := c.argumentList()
		c.namedVariable(syntheticToken("super"), false)
		c.emitOpByte(vm.OpSuperInvoke, name)
		c.emitByte(argc)
	} else {
		c.namedVariable(syntheticToken("super"), false)
		c.emitOpByte(vm.OpGetSuper, name)
	}
}

func (c *Compiler) argumentList() byte {
	argc := 0
	if !c.check(TokenRightParen) {
		for {
			c.expression()
			if argc == maxArguments {
				c.errorAtPrevious("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRightParen, "Expect ')' after arguments.")
	return byte(argc)
}

func syntheticToken(lexeme string) Token {
	return Token{Type: TokenIdentifier, Lexeme: lexeme}
}

// ---------------------------------------------------------------------------
// Declarations and statements
// ---------------------------------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(TokenClass):
		c.classDeclaration()
	case c.match(TokenFun):
		c.funDeclaration()
	case c.match(TokenVar):
		c.varDeclaration()
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) statement() {
	switch {
	case c.match(TokenPrint):
		c.printStatement()
	case c.match(TokenFor):
		c.forStatement()
	case c.match(TokenIf):
		c.ifStatement()
	case c.match(TokenReturn):
		c.returnStatement()
	case c.match(TokenWhile):
		c.whileStatement()
	case c.match(TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(TokenRightBrace) && !c.check(TokenEOF) {
		c.declaration()
	}
	c.consume(TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(TokenEqual) {
		c.expression()
	} else {
		c.emitOp(vm.OpNil)
	}
	c.consume(TokenSemicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(vm.OpPop)
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after value.")
	c.emitOp(vm.OpPrint)
}

func (c *Compiler) ifStatement() {
	c.consume(TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)
	c.statement()
	elseJump := c.emitJump(vm.OpJump)

	c.patchJump(thenJump)
	c.emitOp(vm.OpPop)
	if c.match(TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.chunk().Code)
	c.consume(TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(vm.OpJumpIfFalse)
	c.emitOp(vm.OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(vm.OpPop)
}

// forStatement compiles for as sugar over while-shaped jumps: initializer
// in its own scope, condition guarding an exit jump, increment spliced in
// after the body via a detour jump.
func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(TokenLeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(TokenSemicolon):
		// No initializer.
	case c.match(TokenVar):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.chunk().Code)
	exitJump := -1
	if !c.match(TokenSemicolon) {
		c.expression()
		c.consume(TokenSemicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(vm.OpJumpIfFalse)
		c.emitOp(vm.OpPop)
	}

	if !c.match(TokenRightParen) {
		bodyJump := c.emitJump(vm.OpJump)
		incrementStart := len(c.chunk().Code)
		c.expression()
		c.emitOp(vm.OpPop)
		c.consume(TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(vm.OpPop)
	}
	c.endScope()
}

func (c *Compiler) returnStatement() {
	if c.fc.kind == funcScript {
		c.errorAtPrevious("Can't return from top-level code.")
	}

	if c.match(TokenSemicolon) {
		c.emitReturn()
		return
	}
	if c.fc.kind == funcInitializer {
		c.errorAtPrevious("Can't return a value from an initializer.")
	}
	c.expression()
	c.consume(TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(vm.OpReturn)
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// A function may refer to itself; it is usable inside its own body.
	c.markInitialized()
	c.function(funcFunction)
	c.defineVariable(global)
}

// function compiles a function body in a fresh context and emits the
// OP_CLOSURE that wires the enclosing scope's captures into it.
func (c *Compiler) function(kind funcKind) {
	c.beginFunction(kind)
	c.beginScope()

	c.consume(TokenLeftParen, "Expect '(' after function name.")
	if !c.check(TokenRightParen) {
		for {
			c.fc.fn.Arity++
			if c.fc.fn.Arity > maxArguments {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			param := c.parseVariable("Expect parameter name.")
			c.defineVariable(param)
			if !c.match(TokenComma) {
				break
			}
		}
	}
	c.consume(TokenRightParen, "Expect ')' after parameters.")
	c.consume(TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	upvalues := c.fc.upvalues
	fnVal := c.endFunction()

	c.emitOpByte(vm.OpClosure, c.makeConstant(fnVal))
	for _, uv := range upvalues {
		if uv.isLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(uv.index)
	}
}

func (c *Compiler) method() {
	c.consume(TokenIdentifier, "Expect method name.")
	name := c.identifierConstant(c.previous)

	kind := funcMethod
	if c.previous.Lexeme == "init" {
		kind = funcInitializer
	}
	c.function(kind)
	c.emitOpByte(vm.OpMethod, name)
}

func (c *Compiler) classDeclaration() {
	c.consume(TokenIdentifier, "Expect class name.")
	className := c.previous
	nameConstant := c.identifierConstant(className)
	c.declareVariable()

	c.emitOpByte(vm.OpClass, nameConstant)
	c.defineVariable(nameConstant)

	cc := &classCompiler{enclosing: c.currentClass}
	c.currentClass = cc

	if c.match(TokenLess) {
		c.consume(TokenIdentifier, "Expect superclass name.")
		c.variable(false)
		if className.Lexeme == c.previous.Lexeme {
			c.errorAtPrevious("A class can't inherit from itself.")
		}

		// The superclass lives in a hidden scope as the `super` local so
		// method bodies can capture it as an upvalue.
		c.beginScope()
		c.addLocal(syntheticToken("super"))
		c.defineVariable(0)

		c.namedVariable(className, false)
		c.emitOp(vm.OpInherit)
		cc.hasSuperclass = true
	}

	c.namedVariable(className, false)
	c.consume(TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(TokenRightBrace) && !c.check(TokenEOF) {
		c.method()
	}
	c.consume(TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(vm.OpPop)

	if cc.hasSuperclass {
		c.endScope()
	}
	c.currentClass = cc.enclosing
}
